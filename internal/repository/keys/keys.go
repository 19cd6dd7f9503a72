package keys

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_dm/internal/model"
)

// Directory of published public keys plus each owner's wrapped private key.
// Entries are append/replace only; nothing deletes a record while the
// account is active.

type (
	KeyRepo struct {
		collection *mongo.Collection
	}
)

func NewKeyRepo(db *mongo.Database) *KeyRepo {
	return &KeyRepo{
		collection: db.Collection("keys"),
	}
}

func (r *KeyRepo) Get(ctx context.Context, userID string) (*model.KeyRecord, error) {
	filter := bson.M{
		"user_id": userID,
	}

	var rec model.KeyRecord
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert replaces the user's entry in place; publishing twice is harmless.
func (r *KeyRepo) Upsert(ctx context.Context, rec *model.KeyRecord) error {
	rec.UpdatedAt = time.Now()
	filter := bson.M{
		"user_id": rec.UserID,
	}
	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, filter, rec, opts)
	return err
}
