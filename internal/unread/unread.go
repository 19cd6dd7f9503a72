package unread

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"e2e_dm/internal/model"
	"e2e_dm/internal/session"
	"e2e_dm/internal/utils/log"
)

// Engine keeps the global unread counter and the per-counterpart map
// consistent across navigation, incoming messages and read receipts. The
// server is the source of truth; Bootstrap refetches on every mount and
// logout clears only session-scoped state.

// Directory is the slice of the REST client the engine consumes.
type Directory interface {
	MarkRead(ctx context.Context, messageID string) error
	UnreadCount(ctx context.Context) (int, error)
	UnreadByConversation(ctx context.Context) (map[string]int, error)
}

type Engine struct {
	mu    sync.Mutex
	total int
	per   map[string]int

	dir  Directory
	sess *session.Session
}

func New(dir Directory, sess *session.Session) *Engine {
	return &Engine{
		per:  make(map[string]int),
		dir:  dir,
		sess: sess,
	}
}

// Bootstrap pulls the server's unread state. The total is recomputed from the
// per-conversation map so the invariant total == sum(per) holds even if the
// two endpoints answer from slightly different moments.
func (e *Engine) Bootstrap(ctx context.Context) error {
	per, err := e.dir.UnreadByConversation(ctx)
	if err != nil {
		return err
	}
	if _, err := e.dir.UnreadCount(ctx); err != nil {
		log.Warn("unread total fetch failed, using per-conversation sum", zap.Error(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.per = make(map[string]int, len(per))
	e.total = 0
	for id, n := range per {
		if n <= 0 {
			continue
		}
		e.per[id] = n
		e.total += n
	}
	return nil
}

// Increment records one new unread message from the counterpart.
func (e *Engine) Increment(counterpartID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.per[counterpartID]++
	e.total++
}

// decrementLocked clamps at zero on both counters.
func (e *Engine) decrementLocked(counterpartID string, n int) {
	if n <= 0 {
		return
	}
	cur := e.per[counterpartID]
	if n > cur {
		n = cur
	}
	if n == 0 {
		return
	}
	if cur-n == 0 {
		delete(e.per, counterpartID)
	} else {
		e.per[counterpartID] = cur - n
	}
	e.total -= n
	if e.total < 0 {
		e.total = 0
	}
}

func (e *Engine) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

func (e *Engine) ForCounterpart(counterpartID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.per[counterpartID]
}

func (e *Engine) Snapshot() model.UnreadCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	per := make(map[string]int, len(e.per))
	for id, n := range e.per {
		per[id] = n
	}
	return model.UnreadCounts{Total: e.total, ByConversation: per}
}

// MarkConversationRead acknowledges every visible unread message addressed to
// the local identity, at most once per message id per session. A failed
// receipt call is unmarked so the same user action can retry it.
func (e *Engine) MarkConversationRead(ctx context.Context, counterpartID string, messages []model.Message) {
	localID := e.sess.LocalID()
	for _, msg := range messages {
		if msg.ID == "" || msg.ReceiverID != localID || msg.ReadAt != nil {
			continue
		}
		if !e.sess.MarkRead(msg.ID) {
			continue // already acknowledged this session
		}
		if err := e.dir.MarkRead(ctx, msg.ID); err != nil {
			log.Warn("read receipt failed", zap.String("message_id", msg.ID), zap.Error(err))
			e.sess.UnmarkRead(msg.ID)
			continue
		}
		e.mu.Lock()
		e.decrementLocked(counterpartID, 1)
		e.mu.Unlock()
	}
}

// Clear resets in-memory counters on logout. Server-side totals survive and
// come back via Bootstrap on the next login.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total = 0
	e.per = make(map[string]int)
}
