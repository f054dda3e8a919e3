package liquidsend

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/common"
	"github.com/TEENet-io/liquidsend/htlc"
	"github.com/TEENet-io/liquidsend/liquidstate"
	"github.com/TEENet-io/liquidsend/movement"
	"github.com/TEENet-io/liquidsend/vtxovault"
)

// Initiate locks amount into an htlc cosigned by the coordinator, records
// the payment and asks the coordinator to pay destination.
//
// Nothing is persisted before the cosignature is verified, so every error
// up to that point can be retried with the same hash. Past it the payment
// is recorded and Initiate either succeeds, returns ErrReconciliationNeeded
// or returns ErrHandoffFailed, after which Check resolves the payment.
//
// A hash whose last payment was revoked may be used again; its old record
// is archived first.
func (e *Engine) Initiate(ctx context.Context, destination string, amount btcutil.Amount, hash agreement.PaymentHash) error {
	err := e.initiate(ctx, destination, amount, hash)
	e.metrics.incInitiated(result(err))
	return wrapErr("initiate", hash, err)
}

func (e *Engine) initiate(ctx context.Context, destination string, amount btcutil.Amount, hash agreement.PaymentHash) error {
	if amount < e.cfg.DustFloor {
		return fmt.Errorf("%w: %d < %d", ErrAmountTooSmall, int64(amount), int64(e.cfg.DustFloor))
	}
	if !common.IsValidLiquidAddress(destination, e.cfg.Network) {
		return fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	if hash.IsZero() {
		return ErrInvalidPaymentHash
	}

	unlock, err := e.lock(ctx, hash)
	if err != nil {
		return err
	}
	defer unlock()

	newLogger := logger.WithFields(logger.Fields{
		"hash":   hash.String(),
		"amount": int64(amount),
	})

	existing, exists, err := e.statedb.Get(hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if exists {
		// a confirmed hash has a published preimage and is never reused
		if !existing.IsFinished() || existing.Confirmed {
			return ErrDuplicatePayment
		}
		if err := e.retire(ctx, existing); err != nil {
			return err
		}
		newLogger.WithField("movement", existing.MovementId).Info("revoked liquid send archived, reusing hash")
	}

	recovered, err := e.recoverUnrecorded(ctx, destination, amount, hash)
	if err != nil {
		return err
	}
	if recovered != nil {
		newLogger.Warn("cosigned htlc had no record, record rebuilt from vault and ledger")
		return e.handoff(ctx, recovered)
	}

	linkedID := hash.String()
	inputs, err := e.vault.ChooseAndLock(ctx, amount, linkedID)
	if err != nil {
		if errors.Is(err, vtxovault.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// inputs go back to the usable set unless the cosigned htlc exists
	release := true
	defer func() {
		if !release {
			return
		}
		if err := e.vault.Release(inputs); err != nil {
			newLogger.Errorf("failed to release inputs: %v", err)
		}
	}()

	proposal, err := e.propose(inputs, amount, hash)
	if err != nil {
		return err
	}

	sigs, err := e.requestCosign(ctx, proposal, destination)
	if err != nil {
		return err
	}

	signed, err := e.builder.AttachCosign(proposal, sigs)
	if err != nil {
		newLogger.Errorf("coordinator cosignature does not verify: %v", err)
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	// The coordinator now holds a valid cosigned htlc. The inputs stay
	// reserved whatever happens below.
	release = false

	record, err := e.persistSend(ctx, destination, amount, hash, proposal, inputs, signed)
	if err != nil {
		newLogger.Errorf("failed to record cosigned htlc: %v", err)
		return fmt.Errorf("%w: %v", ErrReconciliationNeeded, err)
	}
	newLogger.WithField("htlcs", len(record.HtlcVtxoIds)).Info("liquid send recorded")

	return e.handoff(ctx, record)
}

func (e *Engine) propose(inputs []vtxovault.Vtxo, amount btcutil.Amount, hash agreement.PaymentHash) (*htlc.Proposal, error) {
	height, err := e.height()
	if err != nil {
		return nil, err
	}

	vtxos, err := toBuilderVtxos(inputs)
	if err != nil {
		return nil, err
	}

	return e.builder.Build(vtxos, amount, hash, e.cfg.HtlcExpiryDelta, height)
}

func (e *Engine) requestCosign(ctx context.Context, p *htlc.Proposal, destination string) ([][]byte, error) {
	req, err := p.CosignRequest(destination)
	if err != nil {
		return nil, err
	}

	rctx, cancel := e.rpcContext(ctx)
	defer cancel()
	resp, err := e.coord.RequestHtlcCosign(rctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: cosign: %v", ErrCoordinatorUnreachable, err)
	}

	switch r := resp.(type) {
	case *agreement.CosignAccepted:
		return r.Signatures, nil
	case *agreement.CosignRejected:
		return nil, fmt.Errorf("%w: cosign: %s", ErrCoordinatorRejected, r.Reason)
	default:
		return nil, fmt.Errorf("%w: cosign: unexpected response %T", ErrCoordinatorUnreachable, resp)
	}
}

// persistSend writes the movement, the vault changes and the record, in
// that order. A movement without a record is tolerated, the reverse never
// happens.
func (e *Engine) persistSend(
	ctx context.Context,
	destination string,
	amount btcutil.Amount,
	hash agreement.PaymentHash,
	p *htlc.Proposal,
	inputs []vtxovault.Vtxo,
	signed *htlc.SignedSend,
) (*liquidstate.LiquidSend, error) {
	linkedID := hash.String()
	movementId, err := e.ledger.NewMovement(ctx, movement.NewMovementParams{
		SubsystemId:      e.subsystemId,
		Kind:             movement.KindSend,
		Destination:      destination,
		Reference:        linkedID,
		IntendedBalance:  -int64(amount),
		EffectiveBalance: -int64(signed.HtlcTotal()),
	})
	if err != nil {
		return nil, fmt.Errorf("new movement: %w", err)
	}

	htlcs := make([]vtxovault.Vtxo, 0, len(signed.Htlcs))
	for i := range signed.Htlcs {
		htlcs = append(htlcs, toVaultVtxo(&signed.Htlcs[i].Vtxo, vtxovault.KindHtlc, p.ExpiryHeight))
	}
	var change *vtxovault.Vtxo
	if signed.Change != nil {
		c := toVaultVtxo(signed.Change, vtxovault.KindSpendable, 0)
		change = &c
	}

	if err := e.vault.StoreSend(ctx, linkedID, inputs, htlcs, change); err != nil {
		return nil, fmt.Errorf("store vtxos: %w", err)
	}

	record := &liquidstate.LiquidSend{
		PaymentHash:     hash,
		Destination:     destination,
		Amount:          amount,
		HtlcVtxoIds:     signed.HtlcIds(),
		HtlcExpiry:      p.ExpiryHeight,
		MovementId:      movementId,
		RevocationStage: liquidstate.StageNone,
		CreatedAt:       e.now(),
	}
	if err := e.statedb.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return record, nil
}

// retire archives a revoked record and moves its vtxos off the hash so
// that the hash can back a new payment.
func (e *Engine) retire(ctx context.Context, r *liquidstate.LiquidSend) error {
	linkedID := r.PaymentHash.String()
	archivedID := fmt.Sprintf("%s/m%d", linkedID, r.MovementId)
	if err := e.vault.Relink(ctx, linkedID, archivedID); err != nil {
		return fmt.Errorf("%w: relink revoked vtxos: %v", ErrStorage, err)
	}
	if err := e.statedb.Archive(ctx, r.PaymentHash, e.now()); err != nil {
		return fmt.Errorf("%w: archive record: %v", ErrStorage, err)
	}
	return nil
}

// recoverUnrecorded rebuilds the record of an earlier attempt that stored
// its htlc vtxos but never wrote the record. It returns nil when the vault
// holds no htlc for hash.
func (e *Engine) recoverUnrecorded(
	ctx context.Context,
	destination string,
	amount btcutil.Amount,
	hash agreement.PaymentHash,
) (*liquidstate.LiquidSend, error) {
	linkedID := hash.String()
	htlcs, err := e.vault.HtlcVtxos(linkedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(htlcs) == 0 {
		return nil, nil
	}

	m, ok, err := e.ledger.LatestPending(e.subsystemId, linkedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: htlc vtxos stored without a pending movement", ErrReconciliationNeeded)
	}
	if m.Destination != destination || m.IntendedBalance != -int64(amount) {
		return nil, fmt.Errorf("%w: hash is locked in an htlc paying %d to %s",
			ErrDuplicatePayment, -m.IntendedBalance, m.Destination)
	}

	ids := make([]agreement.VtxoId, 0, len(htlcs))
	for i := range htlcs {
		id, err := htlcs[i].Id()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		ids = append(ids, id)
	}

	record := &liquidstate.LiquidSend{
		PaymentHash:     hash,
		Destination:     destination,
		Amount:          amount,
		HtlcVtxoIds:     ids,
		HtlcExpiry:      uint32(htlcs[0].ExpiryHeight),
		MovementId:      m.Id,
		RevocationStage: liquidstate.StageNone,
		CreatedAt:       m.CreatedAt,
	}
	if err := e.statedb.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: insert rebuilt record: %v", ErrReconciliationNeeded, err)
	}
	return record, nil
}

// handoff asks the coordinator to broadcast the settlement. Its failure
// never touches the record.
func (e *Engine) handoff(ctx context.Context, r *liquidstate.LiquidSend) error {
	newLogger := logger.WithField("hash", r.PaymentHash.String())

	rctx, cancel := e.rpcContext(ctx)
	defer cancel()
	resp, err := e.coord.InitiatePayment(rctx, &agreement.InitiatePaymentRequest{
		PaymentHash: r.PaymentHash,
		Destination: r.Destination,
		Amount:      r.Amount,
		HtlcVtxoIds: r.HtlcVtxoIds,
	})
	if err != nil {
		newLogger.Warnf("initiate payment failed, payment stays pending: %v", err)
		return fmt.Errorf("%w: %w: %v", ErrHandoffFailed, ErrCoordinatorUnreachable, err)
	}

	switch v := resp.(type) {
	case *agreement.InitiateAccepted:
		newLogger.Infof("payment handed off: %s", v.Message)
		return nil
	case *agreement.InitiateRejected:
		newLogger.Warnf("initiate payment rejected, payment stays pending: %s", v.Reason)
		return fmt.Errorf("%w: %w: %s", ErrHandoffFailed, ErrCoordinatorRejected, v.Reason)
	default:
		return fmt.Errorf("%w: unexpected response %T", ErrHandoffFailed, resp)
	}
}
