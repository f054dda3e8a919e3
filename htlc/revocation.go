package htlc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/liquidsend/agreement"
)

// RevocationProposal spends HTLC VTXOs back to the user through the
// revocation leaf. Each HTLC input gets one output of the same amount.
type RevocationProposal struct {
	PaymentHash  agreement.PaymentHash
	ExpiryHeight uint32
	Htlcs        []Vtxo

	userKey []byte
	spend   *spend
}

// BuildRevocation re-derives the HTLC script from the payment hash and
// expiry and checks it against the stored HTLC outputs.
func (b *Builder) BuildRevocation(paymentHash agreement.PaymentHash, expiry uint32, htlcs []Vtxo) (*RevocationProposal, error) {
	if len(htlcs) == 0 {
		return nil, ErrNoInputs
	}

	script, err := b.HtlcScript(paymentHash, expiry)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	for _, h := range htlcs {
		if !bytes.Equal(h.PkScript, script.PkScript) {
			return nil, fmt.Errorf("%w: htlc %s", ErrScriptMismatch, h.Id.String())
		}
		op := h.Id.OutPoint()
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		tx.AddTxOut(wire.NewTxOut(int64(h.Amount), b.receive.PkScript))
	}

	sp, err := newSpend(tx, htlcs, script.TapTree, script.RevocationLeaf, b.user)
	if err != nil {
		return nil, err
	}

	return &RevocationProposal{
		PaymentHash:  paymentHash,
		ExpiryHeight: expiry,
		Htlcs:        htlcs,
		userKey:      b.user.PubKey().SerializeCompressed(),
		spend:        sp,
	}, nil
}

func (p *RevocationProposal) SigHashes() [][]byte {
	return p.spend.hashes()
}

func (p *RevocationProposal) Request() (*agreement.HtlcRevocationRequest, error) {
	raw, err := encodeTx(p.spend.tx)
	if err != nil {
		return nil, err
	}
	return &agreement.HtlcRevocationRequest{
		PaymentHash:  p.PaymentHash,
		ExpiryHeight: p.ExpiryHeight,
		Htlcs:        p.spend.prevOuts(),
		UnsignedTx:   raw,
		UserPubKey:   p.userKey,
	}, nil
}

// AttachRevocation verifies the coordinator signatures and returns the
// reclaimed spendable VTXOs.
func (b *Builder) AttachRevocation(p *RevocationProposal, sigs [][]byte) (*SignedRevocation, error) {
	signed, err := p.spend.attach(b.coordKey, sigs)
	if err != nil {
		return nil, err
	}

	txid := signed.TxHash()
	out := &SignedRevocation{Tx: signed}
	for i, txOut := range signed.TxOut {
		out.Revoked = append(out.Revoked, RevokedVtxo{
			Vtxo: Vtxo{
				Id:       agreement.VtxoId{Txid: txid, Vout: uint32(i)},
				Amount:   btcutil.Amount(txOut.Value),
				PkScript: txOut.PkScript,
			},
			RevokedHtlc: p.Htlcs[i].Id,
		})
	}
	return out, nil
}
