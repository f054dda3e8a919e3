package liquidsend

import (
	"context"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/liquidstate"
	"github.com/TEENet-io/liquidsend/movement"
	"github.com/TEENet-io/liquidsend/vtxovault"
)

// Revoke reclaims the htlc vtxos of a payment through their revocation
// leaf and closes the record as not paid.
//
// Progress is checkpointed in the record's revocation stage and in the
// vault, so calling Revoke again after any failure resumes where it
// stopped. Revoking a finished record does nothing.
func (e *Engine) Revoke(ctx context.Context, r *liquidstate.LiquidSend) error {
	err := e.revokeByHash(ctx, r.PaymentHash)
	return wrapErr("revoke", r.PaymentHash, err)
}

func (e *Engine) revokeByHash(ctx context.Context, hash agreement.PaymentHash) error {
	unlock, err := e.lock(ctx, hash)
	if err != nil {
		return err
	}
	defer unlock()

	r, err := e.current(hash)
	if err != nil {
		return err
	}
	return e.revoke(ctx, r)
}

// revoke runs with the payment lock held.
func (e *Engine) revoke(ctx context.Context, r *liquidstate.LiquidSend) error {
	err := e.advanceRevocation(ctx, r)
	e.metrics.incRevocation(result(err))
	return err
}

func (e *Engine) advanceRevocation(ctx context.Context, r *liquidstate.LiquidSend) error {
	if r.IsFinished() {
		return nil
	}

	newLogger := logger.WithFields(logger.Fields{
		"hash":  r.PaymentHash.String(),
		"stage": r.RevocationStage,
	})
	linkedID := r.PaymentHash.String()

	stored, err := e.vault.HtlcVtxos(linkedID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	htlcs, err := recordHtlcs(r, stored)
	if err != nil {
		return err
	}
	if len(stored) > len(htlcs) {
		newLogger.Warnf("%d stored htlc vtxos are not part of the record", len(stored)-len(htlcs))
	}

	stage := r.RevocationStage
	if stage == "" {
		stage = liquidstate.StageNone
	}

	if stage == liquidstate.StageNone {
		// the vault is the source of truth: a crash may have happened
		// after the reclaimed vtxos were stored but before the checkpoint
		revoked, err := e.vault.RevokedVtxos(linkedID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if len(revoked) == 0 {
			if err := e.reclaim(ctx, r, htlcs); err != nil {
				return err
			}
		} else {
			newLogger.Info("reclaimed vtxos found, resuming revocation")
		}

		if err := e.setStage(ctx, r, liquidstate.StageReclaimed); err != nil {
			return err
		}
		stage = liquidstate.StageReclaimed
	}

	if stage == liquidstate.StageReclaimed {
		if err := e.vault.MarkHtlcsSpent(ctx, linkedID); err != nil {
			return fmt.Errorf("%w: mark htlcs spent: %v", ErrStorage, err)
		}
		if err := e.setStage(ctx, r, liquidstate.StageHtlcSpent); err != nil {
			return err
		}
	}

	// protocol cost is zero: the reclaimed amount is the htlc amount
	reclaimed := sumVtxos(htlcs)
	if err := e.ledger.UpdateKind(ctx, r.MovementId, movement.KindRevoked, movement.StatusFailed, reclaimed); err != nil {
		return fmt.Errorf("%w: revoke movement: %v", ErrStorage, err)
	}

	if err := e.statedb.MarkRevoked(ctx, r.PaymentHash, e.now()); err != nil {
		return fmt.Errorf("%w: close record: %v", ErrStorage, err)
	}

	newLogger.WithField("reclaimed", reclaimed).Info("liquid send revoked")
	return nil
}

// reclaim obtains the coordinator's half of the revocation signatures and
// stores the reclaimed vtxos as spendable balance.
func (e *Engine) reclaim(ctx context.Context, r *liquidstate.LiquidSend, stored []vtxovault.Vtxo) error {
	htlcs, err := toBuilderVtxos(stored)
	if err != nil {
		return err
	}

	proposal, err := e.builder.BuildRevocation(r.PaymentHash, r.HtlcExpiry, htlcs)
	if err != nil {
		return fmt.Errorf("%w: build revocation: %v", ErrVerification, err)
	}
	req, err := proposal.Request()
	if err != nil {
		return err
	}

	rctx, cancel := e.rpcContext(ctx)
	defer cancel()
	resp, err := e.coord.RequestHtlcRevocation(rctx, req)
	if err != nil {
		return fmt.Errorf("%w: revocation: %v", ErrCoordinatorUnreachable, err)
	}

	var sigs [][]byte
	switch v := resp.(type) {
	case *agreement.RevocationAccepted:
		sigs = v.Signatures
	case *agreement.RevocationRejected:
		return fmt.Errorf("%w: revocation: %s", ErrCoordinatorRejected, v.Reason)
	default:
		return fmt.Errorf("%w: revocation: unexpected response %T", ErrCoordinatorUnreachable, resp)
	}

	signed, err := e.builder.AttachRevocation(proposal, sigs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	revoked := make([]vtxovault.Vtxo, 0, len(signed.Revoked))
	for i := range signed.Revoked {
		revoked = append(revoked, toVaultVtxo(&signed.Revoked[i].Vtxo, vtxovault.KindRevoked, 0))
	}
	if err := e.vault.StoreRevoked(ctx, r.PaymentHash.String(), revoked); err != nil {
		return fmt.Errorf("%w: store reclaimed vtxos: %v", ErrStorage, err)
	}
	return nil
}

// recordHtlcs picks the stored htlc vtxos named by the record, in record
// order. Every id of the record must be stored.
func recordHtlcs(r *liquidstate.LiquidSend, stored []vtxovault.Vtxo) ([]vtxovault.Vtxo, error) {
	if len(r.HtlcVtxoIds) == 0 {
		return nil, fmt.Errorf("%w: record has no htlc vtxos", ErrStorage)
	}

	byId := make(map[agreement.VtxoId]vtxovault.Vtxo, len(stored))
	for _, v := range stored {
		id, err := v.Id()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		byId[id] = v
	}

	htlcs := make([]vtxovault.Vtxo, 0, len(r.HtlcVtxoIds))
	for _, id := range r.HtlcVtxoIds {
		v, ok := byId[id]
		if !ok {
			return nil, fmt.Errorf("%w: htlc vtxo %s of record is not stored", ErrStorage, id.String())
		}
		htlcs = append(htlcs, v)
	}
	return htlcs, nil
}

func (e *Engine) setStage(ctx context.Context, r *liquidstate.LiquidSend, stage liquidstate.RevocationStage) error {
	if err := e.statedb.SetRevocationStage(ctx, r.PaymentHash, stage); err != nil {
		return fmt.Errorf("%w: revocation stage %s: %v", ErrStorage, stage, err)
	}
	r.RevocationStage = stage
	return nil
}
