package liquidsend

import (
	"context"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/liquidstate"
	"github.com/TEENet-io/liquidsend/movement"
)

// Check asks the coordinator how a payment is doing and acts on it.
//
// It returns the completion proof once the payment is confirmed and nil
// while it is pending. A payment whose revocation has started is resumed
// without asking the coordinator. A failed or expired payment is revoked and nil is
// returned once the funds are back. Finished records return their
// recorded outcome without contacting the coordinator.
func (e *Engine) Check(ctx context.Context, r *liquidstate.LiquidSend) (*agreement.CompletionProof, error) {
	proof, outcome, err := e.check(ctx, r.PaymentHash)
	if err != nil {
		outcome = result(err)
	}
	e.metrics.incCheck(outcome)
	return proof, wrapErr("check", r.PaymentHash, err)
}

// CheckByHash is Check for a payment known only by its hash.
func (e *Engine) CheckByHash(ctx context.Context, hash agreement.PaymentHash) (*agreement.CompletionProof, error) {
	return e.Check(ctx, &liquidstate.LiquidSend{PaymentHash: hash})
}

// PendingPayments lists the records a driver should keep checking.
func (e *Engine) PendingPayments() ([]*liquidstate.LiquidSend, error) {
	pending, err := e.statedb.GetPending()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return pending, nil
}

func (e *Engine) check(ctx context.Context, hash agreement.PaymentHash) (*agreement.CompletionProof, string, error) {
	unlock, err := e.lock(ctx, hash)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	r, err := e.current(hash)
	if err != nil {
		return nil, "", err
	}
	if r.IsFinished() {
		return r.Proof, "finished", nil
	}

	newLogger := logger.WithField("hash", hash.String())

	started, err := e.revocationStarted(r)
	if err != nil {
		return nil, "", err
	}
	if started {
		newLogger.WithField("stage", r.RevocationStage).Info("revocation in progress, resuming it")
		if err := e.revoke(ctx, r); err != nil {
			return nil, "", err
		}
		return nil, "revoked", nil
	}

	rctx, cancel := e.rpcContext(ctx)
	defer cancel()
	resp, err := e.coord.CheckPayment(rctx, &agreement.CheckPaymentRequest{PaymentHash: hash})
	if err != nil {
		return nil, "", fmt.Errorf("%w: check: %v", ErrCoordinatorUnreachable, err)
	}

	switch v := resp.(type) {
	case *agreement.PaymentCompleted:
		proof := v.Proof
		if err := e.confirm(ctx, r, &proof); err != nil {
			return nil, "", err
		}
		newLogger.WithField("settlement", proof.SettlementTxid).Info("liquid send confirmed")
		return &proof, "completed", nil

	case *agreement.PaymentPending:
		height, err := e.height()
		if err != nil {
			return nil, "", err
		}
		if height <= int64(r.HtlcExpiry) {
			return nil, "pending", nil
		}
		newLogger.WithFields(logger.Fields{
			"height": height,
			"expiry": r.HtlcExpiry,
		}).Infof("%v, revoking", ErrExpiredHtlc)

	case *agreement.PaymentFailed:
		newLogger.Infof("coordinator reports payment failed, revoking: %s", v.Reason)

	default:
		return nil, "", fmt.Errorf("%w: check: unexpected response %T", ErrCoordinatorUnreachable, resp)
	}

	if err := e.revoke(ctx, r); err != nil {
		return nil, "", err
	}
	return nil, "revoked", nil
}

// revocationStarted reports whether the htlcs of r are already being
// reclaimed. Such a payment can only end revoked.
func (e *Engine) revocationStarted(r *liquidstate.LiquidSend) (bool, error) {
	if r.RevocationStage != "" && r.RevocationStage != liquidstate.StageNone {
		return true, nil
	}
	revoked, err := e.vault.RevokedVtxos(r.PaymentHash.String())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return len(revoked) > 0, nil
}

// confirm books a completed payment. The movement is finalized before the
// record is closed so that a retry after a crash repairs both.
func (e *Engine) confirm(ctx context.Context, r *liquidstate.LiquidSend, proof *agreement.CompletionProof) error {
	linkedID := r.PaymentHash.String()
	if err := e.vault.MarkHtlcsSpent(ctx, linkedID); err != nil {
		return fmt.Errorf("%w: mark htlcs spent: %v", ErrStorage, err)
	}
	if err := e.ledger.UpdateKind(ctx, r.MovementId, movement.KindFinalized, movement.StatusFinished, -int64(r.Amount)); err != nil {
		return fmt.Errorf("%w: finalize movement: %v", ErrStorage, err)
	}
	if err := e.statedb.MarkConfirmed(ctx, r.PaymentHash, proof, e.now()); err != nil {
		return fmt.Errorf("%w: mark confirmed: %v", ErrStorage, err)
	}
	return nil
}
