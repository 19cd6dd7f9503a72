package transport

import (
	"testing"
)

func TestNormalizeInbound(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantType string
		wantCID  string
	}{
		{
			name:     "receive with wrapped message",
			raw:      `{"type":"secure:receive","payload":{"message":{"id":"m1","client_id":"c1","sender_id":"bob","receiver_id":"alice","ciphertext":"ct","iv":"iv"}}}`,
			wantType: frameReceive,
			wantCID:  "c1",
		},
		{
			name:     "receive with message at payload root",
			raw:      `{"type":"secure:receive","payload":{"id":"m1","client_id":"c1","sender_id":"bob","receiver_id":"alice","ciphertext":"ct","iv":"iv"}}`,
			wantType: frameReceive,
			wantCID:  "c1",
		},
		{
			name:     "receive under event/data aliases",
			raw:      `{"event":"secure:receive","data":{"message":{"id":"m1","client_id":"c1","sender_id":"bob","receiver_id":"alice","ciphertext":"ct","iv":"iv"}}}`,
			wantType: frameReceive,
			wantCID:  "c1",
		},
		{
			name:     "ack snake_case",
			raw:      `{"type":"secure:sent","payload":{"client_id":"c2","message":{"id":"m2","client_id":"c2"}}}`,
			wantType: frameSent,
			wantCID:  "c2",
		},
		{
			name:     "ack camelCase",
			raw:      `{"type":"secure:sent","payload":{"clientId":"c3","message":{"id":"m3","client_id":"c3"}}}`,
			wantType: frameSent,
			wantCID:  "c3",
		},
		{
			name:     "ack id only on the message",
			raw:      `{"type":"secure:sent","payload":{"message":{"id":"m4","client_id":"c4"}}}`,
			wantType: frameSent,
			wantCID:  "c4",
		},
		{
			name:     "error with details",
			raw:      `{"type":"secure:error","payload":{"clientId":"c5","message":"receiver unknown","details":"no such user"}}`,
			wantType: frameError,
			wantCID:  "c5",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := normalizeInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("normalizeInbound: %v", err)
			}
			if env.Type != tc.wantType {
				t.Fatalf("type: got %q want %q", env.Type, tc.wantType)
			}
			if env.ClientID != tc.wantCID {
				t.Fatalf("client id: got %q want %q", env.ClientID, tc.wantCID)
			}
			if tc.wantType == frameReceive && env.Message == nil {
				t.Fatalf("receive frame lost its message")
			}
			if tc.wantType == frameError && env.Reason == "" {
				t.Fatalf("error frame lost its reason")
			}
		})
	}
}

func TestNormalizeInboundRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"type":"mystery","payload":{}}`} {
		if _, err := normalizeInbound([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
