package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-payguard/internal/audit"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "payguard.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testAgent(id string) *domain.Agent {
	return &domain.Agent{
		ID:     id,
		Name:   "research bot",
		Status: domain.StatusActive,
		Policy: &domain.Policy{
			DailyLimit: decimal.RequireFromString("50"),
			PerTxLimit: decimal.RequireFromString("10.5"),
			Whitelist:  []string{"api.openai.com", "anthropic.com"},
		},
	}
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestStore_CreateAndGetAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateAgent(ctx, testAgent("agent-1")))

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	require.NotNil(t, got.Policy)
	assert.Equal(t, "50", got.Policy.DailyLimit.String())
	assert.Equal(t, "10.5", got.Policy.PerTxLimit.String())
	assert.ElementsMatch(t, []string{"anthropic.com", "api.openai.com"}, got.Policy.Whitelist)
	assert.False(t, got.Policy.KillSwitch)
}

func TestStore_GetAgentWithoutPolicy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAgent("bare")
	a.Policy = nil
	require.NoError(t, s.CreateAgent(ctx, a))

	got, err := s.GetAgent(ctx, "bare")
	require.NoError(t, err)
	assert.Nil(t, got.Policy)
}

func TestStore_GetAgentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestStore_UpdateAgentStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(ctx, testAgent("agent-1")))

	require.NoError(t, s.UpdateAgentStatus(ctx, "agent-1", domain.StatusFrozen))
	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFrozen, got.Status)

	assert.ErrorIs(t, s.UpdateAgentStatus(ctx, "ghost", domain.StatusPaused), domain.ErrAgentNotFound)
}

func TestStore_UpsertPolicy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(ctx, testAgent("agent-1")))

	err := s.UpsertPolicy(ctx, &domain.Policy{
		AgentID:    "agent-1",
		DailyLimit: decimal.RequireFromString("100"),
		PerTxLimit: decimal.RequireFromString("20"),
		KillSwitch: true,
	})
	require.NoError(t, err)

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "100", got.Policy.DailyLimit.String())
	assert.Empty(t, got.Policy.Whitelist)
	assert.True(t, got.Policy.KillSwitch)

	err = s.UpsertPolicy(ctx, &domain.Policy{
		AgentID:    "ghost",
		DailyLimit: decimal.RequireFromString("1"),
		PerTxLimit: decimal.RequireFromString("1"),
	})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestStore_SumApprovedSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	since := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)
	record := func(agent, amount string, status domain.TxStatus, at time.Time) {
		require.NoError(t, s.CreateTransaction(ctx, &domain.Transaction{
			ID:        uuid.NewString(),
			AgentID:   agent,
			Service:   "api.openai.com",
			Amount:    decimal.RequireFromString(amount),
			Status:    status,
			Reason:    "test",
			CreatedAt: at,
		}))
	}

	record("agent-1", "0.1", domain.TxApproved, since.Add(time.Hour))
	record("agent-1", "0.2", domain.TxApproved, since.Add(2*time.Hour))
	record("agent-1", "1", domain.TxApproved, since)
	// не входят в сумму: blocked, вчерашняя и чужая
	record("agent-1", "7", domain.TxBlocked, since.Add(3*time.Hour))
	record("agent-1", "9", domain.TxApproved, since.Add(-time.Minute))
	record("agent-2", "4", domain.TxApproved, since.Add(time.Hour))

	sum, err := s.SumApprovedSince(ctx, "agent-1", since)
	require.NoError(t, err)
	assert.Equal(t, "1.3", sum.String())

	sum, err = s.SumApprovedSince(ctx, "nobody", since)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestStore_SumApprovedSinceClosedDB(t *testing.T) {
	s := newTestStore(t)
	s.Close()

	_, err := s.SumApprovedSince(context.Background(), "agent-1", time.Now())
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestStore_ListTransactions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	hash := "0xabc"

	for i, st := range []domain.TxStatus{domain.TxApproved, domain.TxBlocked, domain.TxApproved} {
		tx := &domain.Transaction{
			ID:        uuid.NewString(),
			AgentID:   "agent-1",
			Service:   "api.openai.com",
			Amount:    decimal.NewFromInt(int64(i + 1)),
			Status:    st,
			Reason:    "r",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if st == domain.TxApproved {
			tx.SettlementHash = &hash
		}
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	all, err := s.ListTransactions(ctx, domain.TransactionFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].Amount.String(), "newest first")
	require.NotNil(t, all[0].SettlementHash)
	assert.Equal(t, hash, *all[0].SettlementHash)

	blocked, err := s.ListTransactions(ctx, domain.TransactionFilter{Status: domain.TxBlocked})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Nil(t, blocked[0].SettlementHash)

	limited, err := s.ListTransactions(ctx, domain.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_WriteBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	events := []audit.AuditEvent{
		{ID: uuid.NewString(), TraceID: "t1", AgentID: "agent-1", Event: audit.EventApproved, Checks: &domain.PolicyChecks{AgentStatusCheck: true}, Timestamp: time.Now().Add(-time.Second)},
		{ID: uuid.NewString(), TraceID: "t2", AgentID: "agent-1", Event: audit.EventBlocked, Timestamp: time.Now()},
	}
	require.NoError(t, s.WriteBatch(ctx, events))
	require.NoError(t, s.WriteBatch(ctx, nil))

	logs, err := s.FetchLogs(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.NotNil(t, logs[1].Checks)
	assert.True(t, logs[1].Checks.AgentStatusCheck)

	none, err := s.FetchLogs(ctx, "agent-2", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
