package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MockSettler имитирует провайдера: задержка Latency, детерминированный хеш от ID транзакции.
type MockSettler struct {
	Latency time.Duration

	// Fail позволяет тестам и демо-стенду ронять отдельные сервисы.
	Fail func(req Request) error
}

func (m *MockSettler) Settle(ctx context.Context, req Request) (Receipt, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}

	if m.Fail != nil {
		if err := m.Fail(req); err != nil {
			return Receipt{}, err
		}
	}

	if req.TransactionID == "" {
		return Receipt{}, fmt.Errorf("settlement: empty transaction id")
	}

	sum := sha256.Sum256([]byte(req.TransactionID + ":" + req.AgentID + ":" + req.Amount.String()))
	return Receipt{
		Hash:      "0x" + hex.EncodeToString(sum[:]),
		SettledAt: time.Now(),
	}, nil
}
