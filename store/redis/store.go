// Package redis is a Store backend for deployments that want fast, TTL-bound
// execution state instead of a durable file. Results and checkpoints are JSON
// values, per-agent history is a sorted set scored by creation time, and logs
// and traces are per-execution lists that age out with the key TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/questforge/orchestrator/store"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultPrefix = "questforge"
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) SaveResult(ctx context.Context, result store.ExecutionResult) error {
	if result.ID == "" {
		return fmt.Errorf("result id is required")
	}
	if result.Status == "" {
		result.Status = store.StatusRunning
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.resultKey(result.ID), string(raw), s.ttl)
	if result.AgentID != "" {
		agentIdx := s.agentIndexKey(result.AgentID)
		pipe.ZAdd(ctx, agentIdx, goredis.Z{
			Score:  float64(result.CreatedAt.Unix()),
			Member: result.ID,
		})
		pipe.Expire(ctx, agentIdx, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save result in redis: %w", err)
	}
	return nil
}

func (s *Store) UpdateResult(ctx context.Context, id string, patch store.ResultPatch) error {
	result, err := s.GetResult(ctx, id)
	if err != nil {
		return err
	}
	if patch.Status != nil {
		result.Status = *patch.Status
	}
	if patch.Result != nil {
		result.Result = *patch.Result
	}
	if patch.CompletedAt != nil {
		completed := patch.CompletedAt.UTC()
		result.CompletedAt = &completed
	}
	if len(patch.Metadata) > 0 {
		if result.Metadata == nil {
			result.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			result.Metadata[k] = v
		}
	}
	return s.SaveResult(ctx, result)
}

func (s *Store) GetResult(ctx context.Context, id string) (store.ExecutionResult, error) {
	if id == "" {
		return store.ExecutionResult{}, fmt.Errorf("result id is required")
	}

	raw, err := s.client.Get(ctx, s.resultKey(id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.ExecutionResult{}, store.ErrNotFound
		}
		return store.ExecutionResult{}, fmt.Errorf("failed to load result from redis: %w", err)
	}
	var result store.ExecutionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return store.ExecutionResult{}, fmt.Errorf("failed to decode result: %w", err)
	}
	return result, nil
}

func (s *Store) ListAgentResults(ctx context.Context, agentID string, query store.ListQuery) ([]store.ExecutionResult, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := int64(query.Offset)
	if offset < 0 {
		offset = 0
	}

	ids, err := s.client.ZRevRange(ctx, s.agentIndexKey(agentID), offset, offset+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agent results: %w", err)
	}

	out := make([]store.ExecutionResult, 0, len(ids))
	for _, id := range ids {
		result, err := s.GetResult(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // value expired ahead of the index
		}
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

func (s *Store) SaveLog(ctx context.Context, entry store.LogEntry) error {
	if entry.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	key := s.logsKey(entry.ExecutionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save log entry in redis: %w", err)
	}
	return nil
}

func (s *Store) ListExecutionLogs(ctx context.Context, executionID string, query store.ListQuery) ([]store.LogEntry, error) {
	raws, err := s.listRange(ctx, s.logsKey(executionID), query)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	out := make([]store.LogEntry, 0, len(raws))
	for _, raw := range raws {
		var entry store.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) SaveTrace(ctx context.Context, event store.TraceEvent) error {
	if event.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}

	key := s.tracesKey(event.ExecutionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save trace event in redis: %w", err)
	}
	return nil
}

func (s *Store) ListExecutionTraces(ctx context.Context, executionID string, query store.ListQuery) ([]store.TraceEvent, error) {
	raws, err := s.listRange(ctx, s.tracesKey(executionID), query)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace events: %w", err)
	}
	out := make([]store.TraceEvent, 0, len(raws))
	for _, raw := range raws {
		var event store.TraceEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("failed to decode trace event: %w", err)
		}
		out = append(out, event)
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint store.CheckpointState) error {
	if checkpoint.CheckpointID == "" {
		return fmt.Errorf("checkpoint_id is required")
	}
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.checkpointKey(checkpoint.CheckpointID), string(raw), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (store.CheckpointState, error) {
	if checkpointID == "" {
		return store.CheckpointState{}, fmt.Errorf("checkpoint_id is required")
	}
	raw, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.CheckpointState{}, store.ErrNotFound
		}
		return store.CheckpointState{}, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	var checkpoint store.CheckpointState
	if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
		return store.CheckpointState{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

// CleanupResults removes results older than the threshold via the per-agent
// indexes. Logs, traces, and checkpoints age out with their key TTL instead.
func (s *Store) CleanupResults(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	max := strconv.FormatInt(olderThan.UTC().Unix(), 10)

	iter := s.client.Scan(ctx, 0, s.prefix+":agent:*:results", 100).Iterator()
	for iter.Next(ctx) {
		idx := iter.Val()
		ids, err := s.client.ZRangeByScore(ctx, idx, &goredis.ZRangeBy{Min: "-inf", Max: "(" + max}).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan result index: %w", err)
		}
		for _, id := range ids {
			removed, err := s.client.Del(ctx, s.resultKey(id)).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete expired result: %w", err)
			}
			deleted += removed
			if err := s.client.ZRem(ctx, idx, id).Err(); err != nil {
				return deleted, fmt.Errorf("failed to trim result index: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate result indexes: %w", err)
	}
	return deleted, nil
}

func (s *Store) CleanupLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	_, _ = ctx, olderThan
	return 0, nil // TTL-driven retention
}

func (s *Store) CleanupTraces(ctx context.Context, olderThan time.Time) (int64, error) {
	_, _ = ctx, olderThan
	return 0, nil // TTL-driven retention
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) listRange(ctx context.Context, key string, query store.ListQuery) ([]string, error) {
	start := int64(query.Offset)
	if start < 0 {
		start = 0
	}
	stop := int64(-1)
	if query.Limit > 0 {
		stop = start + int64(query.Limit) - 1
	}
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *Store) resultKey(id string) string {
	return s.prefix + ":result:" + id
}

func (s *Store) agentIndexKey(agentID string) string {
	return s.prefix + ":agent:" + agentID + ":results"
}

func (s *Store) logsKey(executionID string) string {
	return s.prefix + ":logs:" + executionID
}

func (s *Store) tracesKey(executionID string) string {
	return s.prefix + ":traces:" + executionID
}

func (s *Store) checkpointKey(checkpointID string) string {
	return s.prefix + ":checkpoint:" + checkpointID
}

var _ store.Store = (*Store)(nil)
