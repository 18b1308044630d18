package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
)

type MongoStore struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	operationTimeout time.Duration
}

func NewMongoStore(sessions *mongo.Collection, operationTimeout time.Duration) *MongoStore {
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	return &MongoStore{sessions: sessions, operationTimeout: operationTimeout}
}

// Invoke 断开数据库连接, 供Cleaner调用
func (ms *MongoStore) Invoke(ctx context.Context) error {
	if ms.client == nil {
		return nil
	}
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ms *MongoStore) SaveSession(ctx context.Context, record *SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	if record.SessionID == "" {
		return ErrSessionIDEmpty
	}

	filter := bson.D{{Key: "session_id", Value: record.SessionID}}
	opts := options.Replace().SetUpsert(true)

	result, err := ms.sessions.ReplaceOne(ctx, filter, record, opts)
	if err != nil {
		return wrapError(err)
	}

	logger.DebugF("Session record saved: session_id=%s, matched=%d, modified=%d, upserted=%v",
		record.SessionID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ms *MongoStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	if sessionID == "" {
		return nil, ErrSessionIDEmpty
	}

	filter := bson.D{{Key: "session_id", Value: sessionID}}
	var record SessionRecord

	startTime := time.Now()
	err := ms.sessions.FindOne(ctx, filter).Decode(&record)
	logger.DebugF("session query cost: %v", time.Since(startTime))

	if err != nil {
		return nil, wrapError(err)
	}
	return &record, nil
}

func (ms *MongoStore) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	if sessionID == "" {
		return ErrSessionIDEmpty
	}

	filter := bson.D{{Key: "session_id", Value: sessionID}}
	result, err := ms.sessions.DeleteOne(ctx, filter)
	if err != nil {
		return wrapError(err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}

	logger.DebugF("Session record deleted: session_id=%s", sessionID)
	return nil
}

func (ms *MongoStore) RecentSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "connected_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := ms.sessions.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var records []*SessionRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, wrapError(err)
	}
	return records, nil
}
