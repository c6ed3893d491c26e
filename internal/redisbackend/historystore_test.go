package redisbackend_test

import (
	"testing"

	"github.com/gled4er/durabletask/internal/redisbackend"
	"github.com/gled4er/durabletask/pkg/ports"
)

func TestHistoryStore_Contract(t *testing.T) {
	store := redisbackend.NewHistoryStore(newTestClient(t), "durabletask:")
	ports.RunHistoryStoreContract(t, store)
}
