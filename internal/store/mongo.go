package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/models"
)

const (
	schedulesCollection = "schedules"
	runsCollection      = "runs"
	reportsCollection   = "reports"

	connectTimeout = 10 * time.Second
)

// Mongo implements Store on top of MongoDB.
type Mongo struct {
	client    *mongo.Client
	schedules *mongo.Collection
	runs      *mongo.Collection
	reports   *mongo.Collection
}

var _ Store = (*Mongo)(nil)

// NewMongo connects to MongoDB, verifies the connection, and ensures the
// indexes the scanner's due-query depends on.
func NewMongo(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI.Value()))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		client:    client,
		schedules: db.Collection(schedulesCollection),
		runs:      db.Collection(runsCollection),
		reports:   db.Collection(reportsCollection),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.schedules.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "active", Value: 1}, {Key: "nextRunAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating schedule index: %w", err)
	}
	_, err = m.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "startedAt", Value: -1}}},
		{Keys: bson.D{{Key: "scheduleId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating run indexes: %w", err)
	}
	_, err = m.reports.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating report indexes: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Schedules

func (m *Mongo) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	if _, err := m.schedules.InsertOne(ctx, s); err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

func (m *Mongo) GetSchedule(ctx context.Context, id, ownerID string) (*models.Schedule, error) {
	var s models.Schedule
	err := m.schedules.FindOne(ctx, bson.M{"_id": id, "ownerId": ownerID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding schedule: %w", err)
	}
	return &s, nil
}

func (m *Mongo) ListSchedules(ctx context.Context, ownerID string) ([]models.Schedule, error) {
	cur, err := m.schedules.Find(ctx, bson.M{"ownerId": ownerID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	var out []models.Schedule
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding schedules: %w", err)
	}
	return out, nil
}

func (m *Mongo) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	expected := s.Version
	s.Version = expected + 1
	res, err := m.schedules.ReplaceOne(ctx,
		bson.M{"_id": s.ID, "ownerId": s.OwnerID, "version": expected}, s)
	if err != nil {
		s.Version = expected
		return fmt.Errorf("updating schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		s.Version = expected
		// Distinguish a missing schedule from a lost race.
		if _, getErr := m.GetSchedule(ctx, s.ID, s.OwnerID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	return nil
}

func (m *Mongo) DeleteSchedule(ctx context.Context, id, ownerID string) error {
	res, err := m.schedules.DeleteOne(ctx, bson.M{"_id": id, "ownerId": ownerID})
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	filter := bson.M{
		"active":    true,
		"nextRunAt": bson.M{"$ne": nil, "$lte": now},
	}
	cur, err := m.schedules.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	var out []models.Schedule
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding due schedules: %w", err)
	}
	return out, nil
}

func (m *Mongo) ClaimDueSchedule(ctx context.Context, id string, version int64, nextRunAt time.Time) (bool, error) {
	res, err := m.schedules.UpdateOne(ctx,
		bson.M{"_id": id, "version": version, "active": true},
		bson.M{
			"$set": bson.M{"nextRunAt": nextRunAt},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return false, fmt.Errorf("claiming schedule: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// Runs

func (m *Mongo) CreateRun(ctx context.Context, r *models.Run) error {
	if _, err := m.runs.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (m *Mongo) GetRun(ctx context.Context, id, ownerID string) (*models.Run, error) {
	var r models.Run
	err := m.runs.FindOne(ctx, bson.M{"_id": id, "ownerId": ownerID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding run: %w", err)
	}
	return &r, nil
}

func (m *Mongo) ListRuns(ctx context.Context, ownerID, scheduleID string) ([]models.Run, error) {
	filter := bson.M{"ownerId": ownerID}
	if scheduleID != "" {
		filter["scheduleId"] = scheduleID
	}
	cur, err := m.runs.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var out []models.Run
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding runs: %w", err)
	}
	return out, nil
}

// Run status transitions are guarded at the filter level: an update matches
// only while the run is still in a state the transition may leave, so a
// replayed activity or a writer that lost the race matches nothing and the
// run never moves backward.

var nonTerminalStatuses = []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}

func runTransitionFilter(runID string, from ...models.RunStatus) bson.M {
	return bson.M{"_id": runID, "status": bson.M{"$in": from}}
}

func emailSlotFilter(runID string) bson.M {
	return bson.M{"_id": runID, "emailSent": bson.M{"$ne": true}}
}

func (m *Mongo) MarkRunRunning(ctx context.Context, runID string) error {
	_, err := m.runs.UpdateOne(ctx,
		runTransitionFilter(runID, models.RunStatusPending),
		bson.M{"$set": bson.M{"status": models.RunStatusRunning}})
	if err != nil {
		return fmt.Errorf("marking run running: %w", err)
	}
	return nil
}

func (m *Mongo) CompleteRun(ctx context.Context, runID, reportID string, durationMs int64, emailSent bool, emailError string) error {
	_, err := m.runs.UpdateOne(ctx,
		runTransitionFilter(runID, nonTerminalStatuses...),
		bson.M{"$set": bson.M{
			"status":     models.RunStatusSucceeded,
			"reportId":   reportID,
			"durationMs": durationMs,
			"emailSent":  emailSent,
			"emailError": emailError,
		}})
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	return nil
}

func (m *Mongo) FailRun(ctx context.Context, runID, summary string, durationMs int64) error {
	_, err := m.runs.UpdateOne(ctx,
		runTransitionFilter(runID, nonTerminalStatuses...),
		bson.M{"$set": bson.M{
			"status":     models.RunStatusFailed,
			"error":      summary,
			"durationMs": durationMs,
		}})
	if err != nil {
		return fmt.Errorf("failing run: %w", err)
	}
	return nil
}

func (m *Mongo) AcquireEmailSlot(ctx context.Context, runID string) (bool, error) {
	res := m.runs.FindOneAndUpdate(ctx,
		emailSlotFilter(runID),
		bson.M{"$set": bson.M{"emailSent": true}})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("acquiring email slot: %w", err)
	}
	return true, nil
}

// Reports

func (m *Mongo) SaveReport(ctx context.Context, r *models.Report) error {
	_, err := m.reports.ReplaceOne(ctx, bson.M{"_id": r.ID}, r,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

func (m *Mongo) GetReport(ctx context.Context, id, ownerID string) (*models.Report, error) {
	var r models.Report
	err := m.reports.FindOne(ctx, bson.M{"_id": id, "ownerId": ownerID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding report: %w", err)
	}
	return &r, nil
}

func (m *Mongo) ListReports(ctx context.Context, ownerID string) ([]models.Report, error) {
	cur, err := m.reports.Find(ctx, bson.M{"ownerId": ownerID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	var out []models.Report
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding reports: %w", err)
	}
	return out, nil
}

func (m *Mongo) DeleteReport(ctx context.Context, id, ownerID string) error {
	res, err := m.reports.DeleteOne(ctx, bson.M{"_id": id, "ownerId": ownerID})
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) ListReportsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Report, error) {
	cur, err := m.reports.Find(ctx,
		bson.M{"createdAt": bson.M{"$lt": cutoff}},
		options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("querying expired reports: %w", err)
	}
	var out []models.Report
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding expired reports: %w", err)
	}
	return out, nil
}
