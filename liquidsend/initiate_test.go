package liquidsend

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/common"
	"github.com/TEENet-io/liquidsend/coordinator"
	"github.com/TEENet-io/liquidsend/liquidstate"
	"github.com/TEENet-io/liquidsend/movement"
	"github.com/TEENet-io/liquidsend/vtxovault"
)

func TestInitiate(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 60_000, 70_000)
	ctx := context.Background()

	hash := newHash()
	require.NoError(t, h.engine.Initiate(ctx, testDestination, 100_000, hash))

	r := h.record(t, hash)
	assert.Equal(t, liquidstate.SendStatusPending, r.Status())
	assert.False(t, r.Confirmed)
	assert.Nil(t, r.FinishedAt)
	assert.Equal(t, testDestination, r.Destination)
	assert.Equal(t, btcutil.Amount(100_000), r.Amount)
	assert.Equal(t, uint32(testHeight+testDelta), r.HtlcExpiry)
	assert.Equal(t, liquidstate.StageNone, r.RevocationStage)
	require.Len(t, r.HtlcVtxoIds, 1)

	m, err := h.ledger.Get(r.MovementId)
	require.NoError(t, err)
	assert.Equal(t, movement.KindSend, m.Kind)
	assert.Equal(t, movement.StatusPending, m.Status)
	assert.Equal(t, int64(-100_000), m.IntendedBalance)
	assert.Equal(t, testDestination, m.Destination)

	htlcs, err := h.vault.HtlcVtxos(hash.String())
	require.NoError(t, err)
	require.Len(t, htlcs, 1)
	assert.GreaterOrEqual(t, htlcs[0].Amount, int64(100_000))
	assert.True(t, htlcs[0].Lockup)
	assert.False(t, htlcs[0].Spent)
	id, err := htlcs[0].Id()
	require.NoError(t, err)
	assert.Equal(t, r.HtlcVtxoIds[0], id)

	// only the change is left to spend, the htlc is never selected
	assert.Equal(t, int64(30_000), h.balance(t))
	usable, err := h.vault.Usable()
	require.NoError(t, err)
	require.Len(t, usable, 1)
	assert.Equal(t, vtxovault.KindSpendable, usable[0].Kind)
	assert.Equal(t, htlcs[0].TxID, usable[0].TxID)
	assert.Equal(t, uint32(1), usable[0].Vout)
	_, err = h.vault.ChooseAndLock(ctx, 30_001, "other")
	assert.ErrorIs(t, err, vtxovault.ErrInsufficientFunds)

	status, ok := h.sim.Status(hash)
	require.True(t, ok)
	assert.Equal(t, coordinator.StatusSent, status)
}

func TestInitiateExactAmount(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 20_000)

	hash := h.pay(t, 20_000)
	assert.Equal(t, int64(0), h.balance(t))

	htlcs, err := h.vault.HtlcVtxos(hash.String())
	require.NoError(t, err)
	require.Len(t, htlcs, 1)
	assert.Equal(t, int64(20_000), htlcs[0].Amount)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 10_000)
	ctx := context.Background()

	err := h.engine.Initiate(ctx, testDestination, DefaultDustFloor-1, newHash())
	assert.ErrorIs(t, err, ErrAmountTooSmall)

	for _, dest := range []string{
		"tex1q7x5la8jfdw5p93ax045qxl86ue852nz9rggwgq", // testnet
		"lq1qqqqqqqqq",
		"lq1zzzzzzzzzzzzzzzzzzzz",
		testDestination[:len(testDestination)-1] + "q",
	} {
		err = h.engine.Initiate(ctx, dest, 1_000, newHash())
		assert.ErrorIs(t, err, ErrInvalidDestination, dest)
	}

	err = h.engine.Initiate(ctx, testDestination, 1_000, agreement.PaymentHash{})
	assert.ErrorIs(t, err, ErrInvalidPaymentHash)

	hash := newHash()
	err = h.engine.Initiate(ctx, testDestination, 10_001, hash)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.False(t, Retryable(err))

	// none of these reached the coordinator or left anything behind
	assert.Equal(t, 0, h.sim.Calls(coordinator.MethodRequestHtlcCosign))
	all, err := h.statedb.GetAll(10)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, int64(10_000), h.balance(t))
}

func TestInitiateDuplicate(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000, 50_000)
	ctx := context.Background()

	hash := newHash()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.engine.Initiate(ctx, testDestination, 10_000, hash)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicatePayment):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)

	all, err := h.statedb.GetAll(10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, h.sim.Calls(coordinator.MethodRequestHtlcCosign))
	assert.Equal(t, int64(90_000), h.balance(t))

	// a confirmed payment keeps its hash for good
	_, err = h.sim.Settle(hash)
	require.NoError(t, err)
	_, err = h.engine.CheckByHash(ctx, hash)
	require.NoError(t, err)
	err = h.engine.Initiate(ctx, testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrDuplicatePayment)
}

func TestInitiateAfterRevocation(t *testing.T) {
	h := newHarness(t)
	hash := h.failedPayment(t, 10_000)
	ctx := context.Background()

	_, err := h.engine.CheckByHash(ctx, hash)
	require.NoError(t, err)
	old := h.record(t, hash)
	require.Equal(t, liquidstate.SendStatusRevoked, old.Status())
	require.Equal(t, int64(15_000), h.balance(t))

	// the new payment also spends the vtxo reclaimed from the old one
	require.NoError(t, h.engine.Initiate(ctx, testDestination, 14_000, hash))

	r := h.record(t, hash)
	assert.Equal(t, liquidstate.SendStatusPending, r.Status())
	assert.Equal(t, liquidstate.StageNone, r.RevocationStage)
	assert.Equal(t, btcutil.Amount(14_000), r.Amount)
	assert.NotEqual(t, old.MovementId, r.MovementId)
	assert.Equal(t, int64(1_000), h.balance(t))

	archived, err := h.statedb.GetArchived(hash)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, old.MovementId, archived[0].MovementId)
	assert.Equal(t, liquidstate.SendStatusRevoked, archived[0].Status())

	m, err := h.ledger.Get(old.MovementId)
	require.NoError(t, err)
	assert.Equal(t, movement.KindRevoked, m.Kind)

	htlcs, err := h.vault.HtlcVtxos(hash.String())
	require.NoError(t, err)
	require.Len(t, htlcs, 1)
	id, err := htlcs[0].Id()
	require.NoError(t, err)
	assert.Equal(t, r.HtlcVtxoIds[0], id)
	revoked, err := h.vault.RevokedVtxos(hash.String())
	require.NoError(t, err)
	assert.Empty(t, revoked)

	// nothing from the old payment makes the new one look revoked
	proof, err := h.engine.Check(ctx, r)
	require.NoError(t, err)
	assert.Nil(t, proof)
	assert.Equal(t, liquidstate.SendStatusPending, h.record(t, hash).Status())
	assert.Equal(t, 2, h.sim.Calls(coordinator.MethodCheckPayment))

	_, err = h.sim.Settle(hash)
	require.NoError(t, err)
	proof, err = h.engine.Check(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.True(t, h.record(t, hash).Confirmed)

	err = h.engine.Initiate(ctx, testDestination, 1_000, hash)
	assert.ErrorIs(t, err, ErrDuplicatePayment)
}

func TestInitiateCosignTimeout(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)
	ctx := context.Background()

	h.sim.SetFaults(coordinator.Faults{CosignErr: context.DeadlineExceeded})
	hash := newHash()
	err := h.engine.Initiate(ctx, testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrCoordinatorUnreachable)
	assert.True(t, Retryable(err))

	_, ok, err := h.statedb.Get(hash)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = h.ledger.Get(1)
	assert.ErrorIs(t, err, movement.ErrNotFound)
	assert.Equal(t, int64(50_000), h.balance(t))

	// the same hash goes through once the coordinator answers again
	h.sim.SetFaults(coordinator.Faults{})
	require.NoError(t, h.engine.Initiate(ctx, testDestination, 10_000, hash))
	assert.Equal(t, liquidstate.SendStatusPending, h.record(t, hash).Status())
}

func TestInitiateRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)

	h.sim.SetFaults(coordinator.Faults{CosignReject: "liquid payments paused"})
	hash := newHash()
	err := h.engine.Initiate(context.Background(), testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrCoordinatorRejected)
	assert.Contains(t, err.Error(), "liquid payments paused")
	assert.False(t, Retryable(err))

	_, ok, err := h.statedb.Get(hash)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(50_000), h.balance(t))
}

func TestInitiateVerificationFailure(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)

	h.sim.SetFaults(coordinator.Faults{CosignBadSig: true})
	hash := newHash()
	err := h.engine.Initiate(context.Background(), testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrVerification)

	_, ok, err := h.statedb.Get(hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// inputs were never spent and are usable again
	usable, err := h.vault.Usable()
	require.NoError(t, err)
	require.Len(t, usable, 1)
	assert.False(t, usable[0].Spent)
	assert.Equal(t, int64(50_000), h.balance(t))
	assert.Equal(t, 0, h.sim.Calls(coordinator.MethodInitiatePayment))
}

func TestInitiateChainUnavailable(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)

	h.chain.SetError(errors.New("elementsd down"))
	err := h.engine.Initiate(context.Background(), testDestination, 10_000, newHash())
	assert.ErrorIs(t, err, ErrChainUnavailable)
	assert.True(t, Retryable(err))
	assert.Equal(t, int64(50_000), h.balance(t))
	assert.Equal(t, 0, h.sim.Calls(coordinator.MethodRequestHtlcCosign))
}

func TestInitiateReconciliationNeeded(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)

	store := &flakyStore{StateDB: h.statedb}
	store.On("Insert", mock.Anything).Return(errors.New("disk full"))
	h.rebuild(t, h.vault, store, h.ledger)

	hash := newHash()
	err := h.engine.Initiate(context.Background(), testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrReconciliationNeeded)
	assert.False(t, Retryable(err))
	store.AssertExpectations(t)

	_, ok, err := h.statedb.Get(hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// the movement came first and is left as an orphan
	m, err := h.ledger.Get(1)
	require.NoError(t, err)
	assert.Equal(t, movement.KindSend, m.Kind)

	// no handoff for an unrecorded payment
	assert.Equal(t, 0, h.sim.Calls(coordinator.MethodInitiatePayment))
}

func TestInitiateRecoversUnrecordedHtlc(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)
	ctx := context.Background()

	store := &flakyStore{StateDB: h.statedb}
	store.On("Insert", mock.Anything).Return(errors.New("disk full")).Once()
	store.On("Insert", mock.Anything).Return(nil)
	h.rebuild(t, h.vault, store, h.ledger)

	hash := newHash()
	err := h.engine.Initiate(ctx, testDestination, 10_000, hash)
	require.ErrorIs(t, err, ErrReconciliationNeeded)

	// the locked htlc pays 10000, a retry asking for more is refused
	err = h.engine.Initiate(ctx, testDestination, 12_000, hash)
	assert.ErrorIs(t, err, ErrDuplicatePayment)

	require.NoError(t, h.engine.Initiate(ctx, testDestination, 10_000, hash))
	store.AssertNumberOfCalls(t, "Insert", 2)

	// no second htlc was cosigned
	assert.Equal(t, 1, h.sim.Calls(coordinator.MethodRequestHtlcCosign))
	assert.Equal(t, 1, h.sim.Calls(coordinator.MethodInitiatePayment))
	assert.Equal(t, int64(40_000), h.balance(t))

	r := h.record(t, hash)
	assert.Equal(t, liquidstate.SendStatusPending, r.Status())
	assert.Equal(t, btcutil.Amount(10_000), r.Amount)
	assert.Equal(t, uint32(testHeight+testDelta), r.HtlcExpiry)
	htlcs, err := h.vault.HtlcVtxos(hash.String())
	require.NoError(t, err)
	require.Len(t, htlcs, 1)
	require.Len(t, r.HtlcVtxoIds, 1)
	id, err := htlcs[0].Id()
	require.NoError(t, err)
	assert.Equal(t, id, r.HtlcVtxoIds[0])

	m, err := h.ledger.Get(r.MovementId)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Id)
	assert.Equal(t, hash.String(), m.Reference)

	_, err = h.sim.Settle(hash)
	require.NoError(t, err)
	proof, err := h.engine.Check(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, proof)
}

func TestInitiateUnrecordedHtlcWithoutMovement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hash := newHash()
	require.NoError(t, h.vault.StoreSend(ctx, hash.String(), nil, []vtxovault.Vtxo{{
		TxID:         common.ByteSliceToPureHexStr(common.RandBytes(32)),
		Amount:       10_000,
		PkScript:     h.builder.ReceiveScript().PkScript,
		ExpiryHeight: testHeight + testDelta,
	}}, nil))

	err := h.engine.Initiate(ctx, testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrReconciliationNeeded)
	assert.Equal(t, 0, h.sim.Calls(coordinator.MethodRequestHtlcCosign))
	_, ok, err := h.statedb.Get(hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitiateHandoffFailed(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)
	ctx := context.Background()

	h.sim.SetFaults(coordinator.Faults{InitiateErr: errors.New("connection reset")})
	hash := newHash()
	err := h.engine.Initiate(ctx, testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrHandoffFailed)
	assert.ErrorIs(t, err, ErrCoordinatorUnreachable)
	assert.False(t, Retryable(err))

	// the record survives and check still resolves it
	r := h.record(t, hash)
	assert.Equal(t, liquidstate.SendStatusPending, r.Status())

	h.sim.SetFaults(coordinator.Faults{})
	_, err = h.sim.Settle(hash)
	require.NoError(t, err)
	proof, err := h.engine.Check(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.True(t, h.record(t, hash).Confirmed)
}

func TestInitiateHandoffRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 50_000)

	h.sim.SetFaults(coordinator.Faults{InitiateReject: "destination blacklisted"})
	hash := newHash()
	err := h.engine.Initiate(context.Background(), testDestination, 10_000, hash)
	assert.ErrorIs(t, err, ErrHandoffFailed)
	assert.ErrorIs(t, err, ErrCoordinatorRejected)
	assert.Equal(t, liquidstate.SendStatusPending, h.record(t, hash).Status())
}
