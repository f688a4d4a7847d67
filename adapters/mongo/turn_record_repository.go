package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

const turnRecordRetention = 30 * 24 * time.Hour

// TurnRecordRepository appends per-turn metrics records. It carries timings
// and outcomes only.
type TurnRecordRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.MetricsSink = (*TurnRecordRepository)(nil)

func NewTurnRecordRepository(db *mongo.Database, logger *zap.Logger) *TurnRecordRepository {
	collection := db.Collection("turn_records")
	logger = logger.Named("mongo.turn_records")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(int32(turnRecordRetention.Seconds()))},
		})
		if err != nil {
			logger.Error("Failed to create turn record indexes", zap.Error(err))
		}
	}()

	return &TurnRecordRepository{collection: collection, logger: logger}
}

// Export implements repositories.MetricsSink
func (r *TurnRecordRepository) Export(ctx context.Context, record entities.TurnRecord) error {
	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to insert turn record %s: %w", record.TurnID, err)
	}
	return nil
}

// CountBySession returns how many records a session produced
func (r *TurnRecordRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("failed to count turn records: %w", err)
	}
	return n, nil
}
