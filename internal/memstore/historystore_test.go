package memstore_test

import (
	"testing"

	"github.com/gled4er/durabletask/internal/memstore"
	"github.com/gled4er/durabletask/pkg/ports"
)

func TestHistoryStore_Contract(t *testing.T) {
	ports.RunHistoryStoreContract(t, memstore.NewHistoryStore())
}
