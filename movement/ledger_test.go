package movement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/liquidsend/database"
)

func newTestLedger(t *testing.T) *Ledger {
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	l, err := NewLedger(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
		db.Close()
	})
	return l
}

func TestRegistry(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r, err := LoadRegistry(ctx, l, "Board", SubsystemLiquidSend)
	require.NoError(t, err)
	board, err := r.Id("Board")
	require.NoError(t, err)
	liquid, err := r.Id(SubsystemLiquidSend)
	require.NoError(t, err)
	assert.NotEqual(t, board, liquid)

	// ids are stable across reopen
	again, err := LoadRegistry(ctx, l, SubsystemLiquidSend)
	require.NoError(t, err)
	id, err := again.Id(SubsystemLiquidSend)
	require.NoError(t, err)
	assert.Equal(t, liquid, id)

	_, err = again.Id("Lightning")
	assert.ErrorIs(t, err, ErrUnknownSubsystem)
}

func TestMovementLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.NewMovement(ctx, NewMovementParams{
		SubsystemId:      1,
		Kind:             KindSend,
		Destination:      "el1qq",
		IntendedBalance:  -10_000,
		EffectiveBalance: -10_000,
	})
	require.NoError(t, err)

	m, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindSend, m.Kind)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, "el1qq", m.Destination)
	require.Len(t, m.Events, 1)

	require.NoError(t, l.UpdateKind(ctx, id, KindRevoked, StatusFailed, 10_000))
	// idempotent
	require.NoError(t, l.UpdateKind(ctx, id, KindRevoked, StatusFailed, 10_000))

	m, err = l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindRevoked, m.Kind)
	assert.Equal(t, StatusFailed, m.Status)
	require.Len(t, m.Events, 2)
	assert.Equal(t, int64(10_000), m.Events[1].Amount)

	// closed with a different outcome
	err = l.UpdateKind(ctx, id, KindFinalized, StatusFinished, 0)
	assert.ErrorIs(t, err, ErrMovementFinalized)

	err = l.UpdateKind(ctx, id+100, KindFinalized, StatusFinished, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Get(id + 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestPending(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, ok, err := l.LatestPending(1, "ref")
	require.NoError(t, err)
	assert.False(t, ok)

	params := NewMovementParams{
		SubsystemId:      1,
		Kind:             KindSend,
		Destination:      "el1qq",
		Reference:        "ref",
		IntendedBalance:  -10_000,
		EffectiveBalance: -10_000,
	}
	first, err := l.NewMovement(ctx, params)
	require.NoError(t, err)
	second, err := l.NewMovement(ctx, params)
	require.NoError(t, err)

	// another subsystem using the same reference is not matched
	other := params
	other.SubsystemId = 2
	_, err = l.NewMovement(ctx, other)
	require.NoError(t, err)

	m, ok, err := l.LatestPending(1, "ref")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, m.Id)
	assert.Equal(t, "ref", m.Reference)

	require.NoError(t, l.UpdateKind(ctx, second, KindRevoked, StatusFailed, 10_000))
	m, ok, err = l.LatestPending(1, "ref")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, m.Id)

	require.NoError(t, l.UpdateKind(ctx, first, KindFinalized, StatusFinished, -10_000))
	_, ok, err = l.LatestPending(1, "ref")
	require.NoError(t, err)
	assert.False(t, ok)
}
