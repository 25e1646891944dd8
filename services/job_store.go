package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"pii-redactor/internal/config"
	"pii-redactor/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidJobUpdate = errors.New("invalid job state transition")
)

// StaleReason is stored on jobs failed by the reaper
const StaleReason = "stale: no progress before deadline"

// JobStore is the full job bookkeeping surface used by routes and the reaper
type JobStore interface {
	JobRecorder
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, limit, skip int64) ([]models.Job, int64, error)
	MarkStale(ctx context.Context, before time.Time) (int64, error)
}

var activeStates = []models.PipelineState{
	models.StateUploaded,
	models.StateExtracted,
	models.StateRedacted,
	models.StateRendered,
}

// predecessors lists the states from which to is reachable
func predecessors(to models.PipelineState) []models.PipelineState {
	var from []models.PipelineState
	for _, s := range activeStates {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

// MongoJobStore keeps job records in the redaction_jobs collection
type MongoJobStore struct {
	collection *mongo.Collection
}

func NewMongoJobStore(db *mongo.Database) *MongoJobStore {
	return &MongoJobStore{collection: db.Collection(config.JobsCollection)}
}

func (s *MongoJobStore) Create(ctx context.Context, job *models.Job) error {
	_, err := s.collection.InsertOne(ctx, job)
	return err
}

// Transition moves a job to state only when its stored state allows it
func (s *MongoJobStore) Transition(ctx context.Context, id string, state models.PipelineState, detail models.JobDetail) error {
	set := bson.M{
		"state":      state,
		"updated_at": time.Now().UTC(),
	}
	if detail.Error != "" {
		set["error"] = detail.Error
	}
	if detail.ChunkCount > 0 {
		set["chunk_count"] = detail.ChunkCount
	}
	if len(detail.EntityCounts) > 0 {
		set["entity_counts"] = detail.EntityCounts
	}
	if detail.ArtifactName != "" {
		set["artifact_name"] = detail.ArtifactName
	}

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "state": bson.M{"$in": predecessors(state)}},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidJobUpdate, id, state)
	}
	return nil
}

func (s *MongoJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first together with the total count
func (s *MongoJobStore) List(ctx context.Context, limit, skip int64) ([]models.Job, int64, error) {
	cursor, err := s.collection.Find(ctx, bson.M{},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetSkip(skip).
			SetLimit(limit),
	)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	jobs := []models.Job{}
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, 0, err
	}

	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// MarkStale fails every active job not updated since before
func (s *MongoJobStore) MarkStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{
			"state":      bson.M{"$in": activeStates},
			"updated_at": bson.M{"$lt": before},
		},
		bson.M{"$set": bson.M{
			"state":      models.StateFailed,
			"error":      StaleReason,
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// MemoryJobStore keeps the most recent jobs in process memory. It backs the
// synchronous deployment that runs without MongoDB.
type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	limit int
}

func NewMemoryJobStore(limit int) *MemoryJobStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryJobStore{jobs: make(map[string]*models.Job), limit: limit}
}

func (s *MemoryJobStore) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	stored := *job
	s.jobs[job.ID] = &stored

	if len(s.jobs) > s.limit {
		s.evictOldest()
	}
	return nil
}

func (s *MemoryJobStore) evictOldest() {
	var oldest *models.Job
	for _, j := range s.jobs {
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest != nil {
		delete(s.jobs, oldest.ID)
	}
}

func (s *MemoryJobStore) Transition(ctx context.Context, id string, state models.PipelineState, detail models.JobDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !job.State.CanTransition(state) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidJobUpdate, id, job.State, state)
	}

	job.State = state
	job.UpdatedAt = time.Now().UTC()
	if detail.Error != "" {
		job.Error = detail.Error
	}
	if detail.ChunkCount > 0 {
		job.ChunkCount = detail.ChunkCount
	}
	if len(detail.EntityCounts) > 0 {
		job.EntityCounts = maps.Clone(detail.EntityCounts)
	}
	if detail.ArtifactName != "" {
		job.ArtifactName = detail.ArtifactName
	}
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (s *MemoryJobStore) List(ctx context.Context, limit, skip int64) ([]models.Job, int64, error) {
	s.mu.RLock()
	all := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, *j)
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b models.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := int64(len(all))
	if skip >= total {
		return []models.Job{}, total, nil
	}
	end := total
	if limit > 0 && skip+limit < total {
		end = skip + limit
	}
	return all[skip:end], total, nil
}

func (s *MemoryJobStore) MarkStale(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.State.IsTerminal() || !j.UpdatedAt.Before(before) {
			continue
		}
		j.State = models.StateFailed
		j.Error = StaleReason
		j.UpdatedAt = now
		n++
	}
	return n, nil
}
