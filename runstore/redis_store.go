package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed implementation of Store for deployments
// that already operate Redis. Runs are stored as JSON values, step
// records as one hash per run, with a sorted set indexing runs by
// creation time and a set per workflow identity tracking active runs.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used in tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) runKey(runID string) string   { return s.keyPrefix + "run:" + runID }
func (s *RedisStore) stepsKey(runID string) string { return s.keyPrefix + "steps:" + runID }
func (s *RedisStore) indexKey() string             { return s.keyPrefix + "index:runs" }
func (s *RedisStore) activeKey(identity string) string {
	return s.keyPrefix + "active:" + identity
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateRun persists a new run with its initial step records.
func (s *RedisStore) CreateRun(ctx context.Context, run *Run, records []*StepRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	exists, err := s.client.Exists(ctx, s.runKey(run.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrAlreadyExists
	}

	runData, err := json.Marshal(run)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.ID), runData, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID})
	if run.Status.IsActive() {
		pipe.SAdd(ctx, s.activeKey(run.Identity()), run.ID)
	}
	for _, rec := range records {
		recData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, s.stepsKey(run.ID), rec.StepID, recData)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) getRun(ctx context.Context, runID string) (*Run, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.getRun(ctx, runID)
}

// allRuns fetches every indexed run, newest first.
func (s *RedisStore) allRuns(ctx context.Context) ([]*Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.getRun(ctx, id)
		if err == ErrNotFound {
			continue // index entry outlived the run key
		}
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// ListRuns retrieves runs matching the filter, newest first.
func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	runs, err := s.allRuns(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Run
	for _, run := range runs {
		if filter.matches(run) {
			out = append(out, run)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// UpdateRunStatus transitions a run's status.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}

	run.Status = status
	run.LastError = errMsg
	if status.IsTerminal() && run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}

	data, err := json.Marshal(run)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(runID), data, 0)
	if !run.Status.IsActive() {
		pipe.SRem(ctx, s.activeKey(run.Identity()), runID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ActiveRun returns the pending or running run for a workflow identity.
func (s *RedisStore) ActiveRun(ctx context.Context, workflowName, workflowVersion string) (*Run, error) {
	identity := workflowName + "@" + workflowVersion
	ids, err := s.client.SMembers(ctx, s.activeKey(identity)).Result()
	if err != nil {
		return nil, err
	}

	var newest *Run
	for _, id := range ids {
		run, err := s.getRun(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !run.Status.IsActive() {
			// Stale membership; repair opportunistically.
			s.client.SRem(ctx, s.activeKey(identity), id)
			continue
		}
		if newest == nil || run.CreatedAt.After(newest.CreatedAt) {
			newest = run
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

// ApplyStepMutation applies one idempotent state transition to a step record.
func (s *RedisStore) ApplyStepMutation(ctx context.Context, runID, stepID string, m StepMutation) error {
	data, err := s.client.HGet(ctx, s.stepsKey(runID), stepID).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var rec StepRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	m.Apply(&rec)

	updated, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.stepsKey(runID), stepID, updated).Err()
}

// GetStepRecords returns all step records for a run, sorted by step ID.
func (s *RedisStore) GetStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	exists, err := s.client.Exists(ctx, s.runKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	fields, err := s.client.HGetAll(ctx, s.stepsKey(runID)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*StepRecord, 0, len(fields))
	for _, data := range fields {
		var rec StepRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// GetResumableRuns returns non-terminal stateful runs, oldest first.
func (s *RedisStore) GetResumableRuns(ctx context.Context) ([]*Run, error) {
	runs, err := s.allRuns(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Run
	for _, run := range runs {
		if run.Strategy == StrategyStateful && run.Status.IsActive() {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Cleanup removes terminal runs older than the given duration.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	runs, err := s.allRuns(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, run := range runs {
		if !run.IsTerminal() || run.CompletedAt == nil || !run.CompletedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.runKey(run.ID), s.stepsKey(run.ID))
		pipe.ZRem(ctx, s.indexKey(), run.ID)
		pipe.SRem(ctx, s.activeKey(run.Identity()), run.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Stats returns run counts for health reporting.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	runs, err := s.allRuns(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{RunsByStatus: make(map[RunStatus]int)}
	for _, run := range runs {
		stats.TotalRuns++
		stats.RunsByStatus[run.Status]++
	}
	return stats, nil
}
