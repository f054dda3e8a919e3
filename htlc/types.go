package htlc

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/liquidsend/agreement"
)

var (
	// ErrVerification is returned when coordinator signatures do not match
	// the proposal they are attached to.
	ErrVerification      = errors.New("cosignature verification failed")
	ErrProposalConsumed  = errors.New("proposal already consumed")
	ErrNoInputs          = errors.New("no inputs")
	ErrInputsTooSmall    = errors.New("inputs do not cover amount")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrUnknownLeaf       = errors.New("leaf not in tree")
	ErrScriptMismatch    = errors.New("stored script does not match derived script")
	ErrExpiryOutOfRange  = errors.New("expiry height out of range")
	ErrEmptyPaymentHash  = errors.New("empty payment hash")
	ErrDuplicateInput    = errors.New("duplicate input")
	ErrMissingSignatures = errors.New("signature count mismatch")
)

// Vtxo is a virtual output as the builder sees it.
type Vtxo struct {
	Id       agreement.VtxoId
	Amount   btcutil.Amount
	PkScript []byte
}

func (v *Vtxo) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(v.Amount), v.PkScript)
}

func (v *Vtxo) PrevOut() agreement.PrevOut {
	return agreement.PrevOut{Id: v.Id, Amount: v.Amount, PkScript: v.PkScript}
}

func (v Vtxo) String() string {
	return fmt.Sprintf("%s(%d)", v.Id.String(), int64(v.Amount))
}

// HtlcVtxo is a cosigned HTLC output. It pays the coordinator against
// the preimage, refunds the user after ExpiryHeight and can be revoked
// cooperatively at any time.
type HtlcVtxo struct {
	Vtxo
	PaymentHash  agreement.PaymentHash
	ExpiryHeight uint32
	Script       *HtlcScript
}

// SignedSend is the outcome of a successful cosign attach.
type SignedSend struct {
	Tx     *wire.MsgTx
	Htlcs  []HtlcVtxo
	Change *Vtxo // nil when the inputs match the amount exactly
}

// HtlcIds returns the ids of the HTLC outputs in output order.
func (s *SignedSend) HtlcIds() []agreement.VtxoId {
	ids := make([]agreement.VtxoId, 0, len(s.Htlcs))
	for _, h := range s.Htlcs {
		ids = append(ids, h.Id)
	}
	return ids
}

func (s *SignedSend) HtlcTotal() btcutil.Amount {
	var total btcutil.Amount
	for _, h := range s.Htlcs {
		total += h.Amount
	}
	return total
}

// RevokedVtxo is the spendable output produced by revoking an HTLC.
type RevokedVtxo struct {
	Vtxo
	RevokedHtlc agreement.VtxoId
}

type SignedRevocation struct {
	Tx      *wire.MsgTx
	Revoked []RevokedVtxo
}

func (r *SignedRevocation) Total() btcutil.Amount {
	var total btcutil.Amount
	for _, v := range r.Revoked {
		total += v.Amount
	}
	return total
}
