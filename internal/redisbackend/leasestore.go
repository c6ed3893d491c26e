// Package redisbackend implements LeaseStore, HistoryStore, BlobStore
// and MessageQueue against Redis. LeaseStore uses the SETNX/Lua
// compare-and-swap technique for safe distributed locking; HistoryStore
// uses go-redis's WATCH-based
// optimistic-locking transaction helper; MessageQueue models visibility
// timeouts with sorted sets, scored by the Unix time a message becomes
// visible again.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/gled4er/durabletask/pkg/model"
)

// acquireScript performs the compare-and-swap for Acquire: it refuses to
// overwrite a lease whose owner is set and whose expiry is still in the
// future, and otherwise writes a freshly minted lease with an
// incremented epoch.
var acquireScript = backend.NewScript(`
local current = redis.call('GET', KEYS[1])
local epoch = 0
if current then
  local ok, decoded = pcall(cjson.decode, current)
  if ok then
    epoch = decoded.Epoch or 0
    if decoded.OwnerWorkerID and decoded.OwnerWorkerID ~= '' and tonumber(decoded.ExpiryUnixNano) > tonumber(ARGV[1]) then
      return ''
    end
  end
end
epoch = epoch + 1
local lease = {PartitionID = ARGV[5], OwnerWorkerID = ARGV[2], Token = ARGV[3], ExpiryUnixNano = tonumber(ARGV[4]), Epoch = epoch}
local encoded = cjson.encode(lease)
redis.call('SET', KEYS[1], encoded)
return encoded
`)

var renewScript = backend.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then return '' end
local ok, decoded = pcall(cjson.decode, current)
if not ok or decoded.Token ~= ARGV[1] then return '' end
decoded.ExpiryUnixNano = tonumber(ARGV[2])
local encoded = cjson.encode(decoded)
redis.call('SET', KEYS[1], encoded)
return encoded
`)

var releaseScript = backend.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then return 0 end
local ok, decoded = pcall(cjson.decode, current)
if not ok or decoded.Token ~= ARGV[1] then return 0 end
local lease = {PartitionID = decoded.PartitionID, OwnerWorkerID = '', Token = '', ExpiryUnixNano = 0, Epoch = decoded.Epoch or 0}
redis.call('SET', KEYS[1], cjson.encode(lease))
return 1
`)

type leaseWire struct {
	PartitionID    model.PartitionID
	OwnerWorkerID  string
	Token          string
	ExpiryUnixNano int64
	Epoch          int64
}

func (w leaseWire) toModel() model.Lease {
	return model.Lease{
		PartitionID:   w.PartitionID,
		OwnerWorkerID: w.OwnerWorkerID,
		Token:         w.Token,
		ExpiryTime:    time.Unix(0, w.ExpiryUnixNano),
		Epoch:         w.Epoch,
	}
}

// LeaseStore is a Redis-backed ports.LeaseStore.
type LeaseStore struct {
	client *backend.Client
	prefix string
}

// NewLeaseStore builds a LeaseStore on client, scoping all of its keys
// under prefix (e.g. "durabletask:").
func NewLeaseStore(client *backend.Client, prefix string) *LeaseStore {
	return &LeaseStore{client: client, prefix: prefix}
}

func (s *LeaseStore) hubKey() string             { return s.prefix + "hub" }
func (s *LeaseStore) partitionsKey() string      { return s.prefix + "partitions" }
func (s *LeaseStore) leaseKey(id model.PartitionID) string {
	return s.prefix + "lease:" + string(id)
}

// CreateLeaseStoreIfNotExists writes the hub sentinel if absent.
func (s *LeaseStore) CreateLeaseStoreIfNotExists(ctx context.Context, hub model.TaskHubInfo) error {
	encoded, err := json.Marshal(hub)
	if err != nil {
		return fmt.Errorf("redisbackend: marshal hub: %w", err)
	}
	return s.client.SetNX(ctx, s.hubKey(), encoded, 0).Err()
}

// GetOrCreateTaskHubInfo reads the hub sentinel, creating it from def if
// it does not yet exist.
func (s *LeaseStore) GetOrCreateTaskHubInfo(ctx context.Context, def model.TaskHubInfo) (model.TaskHubInfo, error) {
	encoded, err := json.Marshal(def)
	if err != nil {
		return model.TaskHubInfo{}, fmt.Errorf("redisbackend: marshal hub: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.hubKey(), encoded, 0).Result()
	if err != nil {
		return model.TaskHubInfo{}, fmt.Errorf("redisbackend: setnx hub: %w", err)
	}
	if created {
		return def, nil
	}

	raw, err := s.client.Get(ctx, s.hubKey()).Result()
	if err != nil {
		return model.TaskHubInfo{}, fmt.Errorf("redisbackend: get hub: %w", err)
	}
	var hub model.TaskHubInfo
	if err := json.Unmarshal([]byte(raw), &hub); err != nil {
		return model.TaskHubInfo{}, fmt.Errorf("redisbackend: unmarshal hub: %w", err)
	}
	return hub, nil
}

// CreateLeaseIfNotExists creates the lease record for partitionID with
// no owner, and registers it in the partition index ListLeases scans.
func (s *LeaseStore) CreateLeaseIfNotExists(ctx context.Context, partitionID model.PartitionID) error {
	empty := leaseWire{PartitionID: partitionID}
	encoded, err := json.Marshal(empty)
	if err != nil {
		return fmt.Errorf("redisbackend: marshal lease: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, s.leaseKey(partitionID), encoded, 0)
	pipe.SAdd(ctx, s.partitionsKey(), string(partitionID))
	_, err = pipe.Exec(ctx)
	return err
}

// Acquire claims an unowned or expired lease for workerID.
func (s *LeaseStore) Acquire(ctx context.Context, partitionID model.PartitionID, workerID string, leaseInterval time.Duration) (model.Lease, error) {
	now := time.Now()
	token := uuid.NewString()
	expiry := now.Add(leaseInterval).UnixNano()

	res, err := acquireScript.Run(ctx, s.client, []string{s.leaseKey(partitionID)},
		now.UnixNano(), workerID, token, expiry, string(partitionID)).Text()
	if err != nil {
		return model.Lease{}, fmt.Errorf("redisbackend: acquire script: %w", err)
	}
	if res == "" {
		return model.Lease{}, model.ErrAlreadyOwned
	}

	var wire leaseWire
	if err := json.Unmarshal([]byte(res), &wire); err != nil {
		return model.Lease{}, fmt.Errorf("redisbackend: unmarshal acquired lease: %w", err)
	}
	return wire.toModel(), nil
}

// Renew extends a held lease's expiry.
func (s *LeaseStore) Renew(ctx context.Context, lease model.Lease, leaseInterval time.Duration) (model.Lease, error) {
	expiry := time.Now().Add(leaseInterval).UnixNano()

	res, err := renewScript.Run(ctx, s.client, []string{s.leaseKey(lease.PartitionID)}, lease.Token, expiry).Text()
	if err != nil {
		return model.Lease{}, fmt.Errorf("redisbackend: renew script: %w", err)
	}
	if res == "" {
		return model.Lease{}, model.ErrLeaseLost
	}

	var wire leaseWire
	if err := json.Unmarshal([]byte(res), &wire); err != nil {
		return model.Lease{}, fmt.Errorf("redisbackend: unmarshal renewed lease: %w", err)
	}
	return wire.toModel(), nil
}

// Release gives up a held lease.
func (s *LeaseStore) Release(ctx context.Context, lease model.Lease) error {
	ok, err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(lease.PartitionID)}, lease.Token).Bool()
	if err != nil {
		return fmt.Errorf("redisbackend: release script: %w", err)
	}
	if !ok {
		return model.ErrLeaseLost
	}
	return nil
}

// ListLeases returns the current state of every partition lease.
func (s *LeaseStore) ListLeases(ctx context.Context) ([]model.Lease, error) {
	ids, err := s.client.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbackend: smembers partitions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.leaseKey(model.PartitionID(id))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbackend: mget leases: %w", err)
	}

	out := make([]model.Lease, 0, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		var wire leaseWire
		if err := json.Unmarshal([]byte(v.(string)), &wire); err != nil {
			return nil, fmt.Errorf("redisbackend: unmarshal lease %s: %w", ids[i], err)
		}
		out = append(out, wire.toModel())
	}
	return out, nil
}
