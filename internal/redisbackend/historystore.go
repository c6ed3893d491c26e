package redisbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/gled4er/durabletask/pkg/model"
	"github.com/gled4er/durabletask/pkg/ports"
)

const (
	fieldLatest = "latest"
	fieldEvents = "events"
	fieldETag   = "etag"
	fieldMeta   = "meta"
	fieldBlobs  = "blobs"
)

// HistoryStore is a Redis-backed ports.HistoryStore. Each instance gets
// a "latest execution" hash and one hash per execution holding its
// event log, ETag and summary metadata as JSON strings; updates go
// through go-redis's WATCH-based optimistic transaction helper so a
// stale ETag never wins a race against a concurrent writer.
type HistoryStore struct {
	client *backend.Client
	prefix string
}

// NewHistoryStore builds a HistoryStore on client, scoping all of its
// keys under prefix.
func NewHistoryStore(client *backend.Client, prefix string) *HistoryStore {
	return &HistoryStore{client: client, prefix: prefix}
}

func (s *HistoryStore) instanceKey(id model.InstanceID) string { return s.prefix + "inst:" + string(id) }
func (s *HistoryStore) execKey(id model.InstanceID, exec model.ExecutionID) string {
	return s.prefix + "exec:" + string(id) + ":" + string(exec)
}
func (s *HistoryStore) indexKey() string { return s.prefix + "history-index" }

func (s *HistoryStore) resolveExecutionID(ctx context.Context, instanceID model.InstanceID, executionID model.ExecutionID) (model.ExecutionID, error) {
	if executionID != "" {
		return executionID, nil
	}
	latest, err := s.client.HGet(ctx, s.instanceKey(instanceID), fieldLatest).Result()
	if errors.Is(err, backend.Nil) {
		return "", model.ErrInstanceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redisbackend: get latest execution: %w", err)
	}
	return model.ExecutionID(latest), nil
}

// GetHistory returns the committed event history for an instance.
func (s *HistoryStore) GetHistory(ctx context.Context, instanceID model.InstanceID, executionID model.ExecutionID) ([]*model.HistoryEvent, string, error) {
	executionID, err := s.resolveExecutionID(ctx, instanceID, executionID)
	if err != nil {
		return nil, "", err
	}

	res, err := s.client.HMGet(ctx, s.execKey(instanceID, executionID), fieldEvents, fieldETag).Result()
	if err != nil {
		return nil, "", fmt.Errorf("redisbackend: hmget history: %w", err)
	}
	if res[0] == nil {
		return nil, "", model.ErrInstanceNotFound
	}

	var events []*model.HistoryEvent
	if err := json.Unmarshal([]byte(res[0].(string)), &events); err != nil {
		return nil, "", fmt.Errorf("redisbackend: unmarshal events: %w", err)
	}
	etag, _ := res[1].(string)
	return events, etag, nil
}

// UpdateState appends newState's pending events under optimistic
// concurrency control.
func (s *HistoryStore) UpdateState(ctx context.Context, newState *model.OrchestrationRuntimeState, expectedETag string, blobNames map[int]string) (string, error) {
	executionID, err := s.resolveExecutionID(ctx, newState.Instance.InstanceID, newState.Instance.ExecutionID)
	if err != nil {
		return "", err
	}
	key := s.execKey(newState.Instance.InstanceID, executionID)

	var newETag string
	txf := func(tx *backend.Tx) error {
		res, err := tx.HMGet(ctx, key, fieldEvents, fieldETag, fieldMeta, fieldBlobs).Result()
		if err != nil {
			return fmt.Errorf("redisbackend: hmget for update: %w", err)
		}
		if res[0] == nil {
			return model.ErrInstanceNotFound
		}
		if etag, _ := res[1].(string); etag != expectedETag {
			return model.ErrPreconditionFailed
		}

		var events []*model.HistoryEvent
		if err := json.Unmarshal([]byte(res[0].(string)), &events); err != nil {
			return fmt.Errorf("redisbackend: unmarshal events: %w", err)
		}
		events = append(events, newState.NewEvents...)

		var meta model.OrchestrationMetadata
		if raw, ok := res[2].(string); ok {
			_ = json.Unmarshal([]byte(raw), &meta)
		}
		meta.RuntimeStatus = newState.RuntimeStatus()
		if newState.CustomStatus != nil {
			meta.CustomStatus = *newState.CustomStatus
		}

		blobs := map[string]struct{}{}
		if raw, ok := res[3].(string); ok && raw != "" {
			var names []string
			_ = json.Unmarshal([]byte(raw), &names)
			for _, n := range names {
				blobs[n] = struct{}{}
			}
		}
		for _, name := range blobNames {
			blobs[name] = struct{}{}
		}
		blobNamesSlice := make([]string, 0, len(blobs))
		for n := range blobs {
			blobNamesSlice = append(blobNamesSlice, n)
		}

		encodedEvents, err := json.Marshal(events)
		if err != nil {
			return fmt.Errorf("redisbackend: marshal events: %w", err)
		}
		encodedMeta, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("redisbackend: marshal meta: %w", err)
		}
		encodedBlobs, err := json.Marshal(blobNamesSlice)
		if err != nil {
			return fmt.Errorf("redisbackend: marshal blob names: %w", err)
		}

		newETag = uuid.NewString()
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.HSet(ctx, key, fieldEvents, encodedEvents, fieldETag, newETag, fieldMeta, encodedMeta, fieldBlobs, encodedBlobs)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, backend.TxFailedErr) {
			return "", model.ErrPreconditionFailed
		}
		return "", err
	}
	return newETag, nil
}

// SetNewExecution allocates the instance summary row from an
// ExecutionStarted event.
func (s *HistoryStore) SetNewExecution(ctx context.Context, started *model.HistoryEvent) error {
	if started.ExecutionStarted == nil {
		return fmt.Errorf("redisbackend: SetNewExecution requires an ExecutionStarted event")
	}
	inst := started.ExecutionStarted.Instance

	events, err := json.Marshal([]*model.HistoryEvent{started})
	if err != nil {
		return fmt.Errorf("redisbackend: marshal initial events: %w", err)
	}
	meta := model.OrchestrationMetadata{
		Instance:      inst,
		Name:          started.ExecutionStarted.Name,
		RuntimeStatus: model.StatusRunning,
		CreatedAt:     started.Timestamp,
		LastUpdatedAt: started.Timestamp,
		Input:         started.ExecutionStarted.Input,
	}
	encodedMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("redisbackend: marshal meta: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.instanceKey(inst.InstanceID), fieldLatest, string(inst.ExecutionID))
	pipe.HSet(ctx, s.execKey(inst.InstanceID, inst.ExecutionID), fieldEvents, events, fieldETag, uuid.NewString(), fieldMeta, encodedMeta, fieldBlobs, "[]")
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: float64(started.Timestamp.UnixNano()), Member: string(inst.InstanceID)})
	_, err = pipe.Exec(ctx)
	return err
}

// GetState returns the summary metadata for an instance.
func (s *HistoryStore) GetState(ctx context.Context, instanceID model.InstanceID, allExecutions bool) ([]model.OrchestrationMetadata, error) {
	executionID, err := s.resolveExecutionID(ctx, instanceID, "")
	if errors.Is(err, model.ErrInstanceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := s.client.HGet(ctx, s.execKey(instanceID, executionID), fieldMeta).Result()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisbackend: get meta: %w", err)
	}

	var meta model.OrchestrationMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("redisbackend: unmarshal meta: %w", err)
	}

	// allExecutions is ignored: this backend indexes only the latest
	// execution per instance, so only that execution's summary is
	// returned; older executions remain retrievable via GetHistory by ID.
	return []model.OrchestrationMetadata{meta}, nil
}

// QueryState returns summary metadata for every instance matching
// filter.
func (s *HistoryStore) QueryState(ctx context.Context, filter ports.HistoryStateFilter) ([]model.OrchestrationMetadata, error) {
	min := "-inf"
	max := "+inf"
	if !filter.CreatedTimeFrom.IsZero() {
		min = fmt.Sprintf("%d", filter.CreatedTimeFrom.UnixNano())
	}
	if !filter.CreatedTimeTo.IsZero() {
		max = fmt.Sprintf("%d", filter.CreatedTimeTo.UnixNano())
	}

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbackend: zrangebyscore history index: %w", err)
	}

	allowed := func(st model.OrchestrationStatus) bool {
		if len(filter.Statuses) == 0 {
			return true
		}
		for _, s := range filter.Statuses {
			if s == st {
				return true
			}
		}
		return false
	}

	var out []model.OrchestrationMetadata
	for _, id := range ids {
		metas, err := s.GetState(ctx, model.InstanceID(id), false)
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			if allowed(m.RuntimeStatus) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// RewindHistory neutralizes the most recent failure marker in an
// instance's latest execution.
func (s *HistoryStore) RewindHistory(ctx context.Context, instanceID model.InstanceID, reason string) ([]model.InstanceID, error) {
	executionID, err := s.resolveExecutionID(ctx, instanceID, "")
	if err != nil {
		return nil, err
	}
	key := s.execKey(instanceID, executionID)

	txf := func(tx *backend.Tx) error {
		raw, err := tx.HMGet(ctx, key, fieldEvents, fieldMeta).Result()
		if err != nil {
			return err
		}
		if raw[0] == nil {
			return model.ErrInstanceNotFound
		}

		var events []*model.HistoryEvent
		if err := json.Unmarshal([]byte(raw[0].(string)), &events); err != nil {
			return fmt.Errorf("redisbackend: unmarshal events: %w", err)
		}
		for _, e := range events {
			if e.Type == model.EventExecutionCompleted && e.ExecutionCompleted != nil && e.ExecutionCompleted.FailureDetails != nil {
				e.ExecutionCompleted.FailureDetails = nil
			}
		}

		var meta model.OrchestrationMetadata
		if m, ok := raw[1].(string); ok {
			_ = json.Unmarshal([]byte(m), &meta)
		}
		meta.RuntimeStatus = model.StatusRunning
		meta.FailureDetails = nil

		encodedEvents, err := json.Marshal(events)
		if err != nil {
			return err
		}
		encodedMeta, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.HSet(ctx, key, fieldEvents, encodedEvents, fieldMeta, encodedMeta, fieldETag, uuid.NewString())
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return nil, nil
}

// PurgeInstanceHistory removes an instance's summary row, its latest
// execution's row and its index entry. Rows of earlier executions and
// blobs referenced by the history are not deleted.
func (s *HistoryStore) PurgeInstanceHistory(ctx context.Context, instanceID model.InstanceID) error {
	executionID, err := s.resolveExecutionID(ctx, instanceID, "")
	if errors.Is(err, model.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.instanceKey(instanceID))
	pipe.Del(ctx, s.execKey(instanceID, executionID))
	pipe.ZRem(ctx, s.indexKey(), string(instanceID))
	_, err = pipe.Exec(ctx)
	return err
}
