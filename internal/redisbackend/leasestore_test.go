package redisbackend_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/redisbackend"
	"github.com/gled4er/durabletask/pkg/ports"
)

func newTestClient(t *testing.T) *backend.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return backend.NewClient(&backend.Options{Addr: mr.Addr()})
}

func TestLeaseStore_Contract(t *testing.T) {
	store := redisbackend.NewLeaseStore(newTestClient(t), "durabletask:")
	ports.RunLeaseStoreContract(t, store)
}
