package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gled4er/durabletask"
	"github.com/gled4er/durabletask/internal/memstore"
	"github.com/gled4er/durabletask/internal/redisbackend"
	"github.com/gled4er/durabletask/pkg/ports"
)

// buildService loads configuration from flags and an optional config
// file, wires the selected storage backend, and constructs a
// durabletask.Service ready to Start.
func buildService(cmd *cobra.Command) (*durabletask.Service, durabletask.Configuration, error) {
	cfg := durabletask.DefaultConfiguration()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		loaded, err := durabletask.LoadConfigFile(configPath, cfg)
		if err != nil {
			return nil, cfg, fmt.Errorf("durabletaskd: load config: %w", err)
		}
		cfg = loaded
	}

	if hub, _ := cmd.Flags().GetString("task-hub"); hub != "" {
		cfg.TaskHubName = hub
	}
	if workerID, _ := cmd.Flags().GetString("worker-id"); workerID != "" {
		cfg.WorkerID = workerID
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfg, fmt.Errorf("durabletaskd: invalid configuration: %w", err)
	}

	storageKind, _ := cmd.Flags().GetString("storage")

	var (
		leaseStore   ports.LeaseStore
		historyStore ports.HistoryStore
		queue        ports.MessageQueue
		blobs        ports.BlobStore
	)

	switch storageKind {
	case "memory":
		leaseStore = memstore.NewLeaseStore()
		historyStore = memstore.NewHistoryStore()
		queue = memstore.NewMessageQueue()
		blobs = memstore.NewBlobStore()
	case "redis":
		addr, _ := cmd.Flags().GetString("redis-addr")
		client := redis.NewClient(&redis.Options{Addr: addr})
		prefix := "durabletask:" + cfg.TaskHubName + ":"
		leaseStore = redisbackend.NewLeaseStore(client, prefix)
		historyStore = redisbackend.NewHistoryStore(client, prefix)
		queue = redisbackend.NewMessageQueue(client, prefix)
		blobs = redisbackend.NewBlobStore(client, prefix)
	default:
		return nil, cfg, fmt.Errorf("durabletaskd: unknown storage backend %q", storageKind)
	}

	svc, err := durabletask.New(cfg, leaseStore, historyStore, queue, blobs,
		durabletask.WithLogger(newLogger()),
	)
	if err != nil {
		return nil, cfg, fmt.Errorf("durabletaskd: build service: %w", err)
	}
	return svc, cfg, nil
}
