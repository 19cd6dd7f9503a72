package messages

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_dm/internal/model"
)

// Message store. The server only ever sees ciphertext; rows are immutable
// after insert except for read_at.

type (
	MessageRepo struct {
		collection *mongo.Collection
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

func (r *MessageRepo) Insert(ctx context.Context, msg *model.Message) error {
	_, err := r.collection.InsertOne(ctx, msg)
	return err
}

// Conversation returns the ordered history between two users.
func (r *MessageRepo) Conversation(ctx context.Context, a, b string) ([]model.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": a, "receiver_id": b},
			bson.M{"sender_id": b, "receiver_id": a},
		},
	}
	opts := options.Find().SetSort(bson.M{"sent_at": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []model.Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead sets read_at once; marking an already-read message is a no-op, so
// the endpoint stays idempotent.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID, readerID string, at time.Time) error {
	filter := bson.M{
		"id":          messageID,
		"receiver_id": readerID,
		"read_at":     nil,
	}
	update := bson.M{
		"$set": bson.M{"read_at": at},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update)
	return err
}

func (r *MessageRepo) UnreadCount(ctx context.Context, userID string) (int, error) {
	filter := bson.M{
		"receiver_id": userID,
		"read_at":     nil,
	}
	n, err := r.collection.CountDocuments(ctx, filter)
	return int(n), err
}

func (r *MessageRepo) UnreadByConversation(ctx context.Context, userID string) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"receiver_id": userID, "read_at": nil}}},
		{{Key: "$group", Value: bson.M{"_id": "$sender_id", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make(map[string]int)
	for cursor.Next(ctx) {
		var row struct {
			SenderID string `bson:"_id"`
			Count    int    `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		out[row.SenderID] = row.Count
	}
	return out, cursor.Err()
}

// Conversations folds the newest message per counterpart into summaries.
func (r *MessageRepo) Conversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": userID},
			bson.M{"receiver_id": userID},
		},
	}
	opts := options.Find().SetSort(bson.M{"sent_at": -1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	seen := make(map[string]struct{})
	var out []model.ConversationSummary
	for cursor.Next(ctx) {
		var msg model.Message
		if err := cursor.Decode(&msg); err != nil {
			return nil, err
		}
		counterpart := msg.SenderID
		if counterpart == userID {
			counterpart = msg.ReceiverID
		}
		if _, ok := seen[counterpart]; ok {
			continue
		}
		seen[counterpart] = struct{}{}
		out = append(out, model.ConversationSummary{
			CounterpartID:   counterpart,
			CounterpartName: counterpart,
			LastSentAt:      msg.SentAt,
		})
	}
	return out, cursor.Err()
}
