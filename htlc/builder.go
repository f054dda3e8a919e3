package htlc

import (
	"bytes"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/multisig"
)

// Builder constructs HTLC VTXOs paying from the user's VTXOs and attaches
// the coordinator's cosignatures to them.
type Builder struct {
	user     multisig.SchnorrSigner
	coordKey *btcec.PublicKey
	receive  *VtxoScript
}

func NewBuilder(user multisig.SchnorrSigner, coordKey *btcec.PublicKey) (*Builder, error) {
	receive, err := NewVtxoScript(user.PubKey(), coordKey)
	if err != nil {
		return nil, err
	}
	return &Builder{user: user, coordKey: coordKey, receive: receive}, nil
}

func (b *Builder) UserPubKey() *btcec.PublicKey {
	return b.user.PubKey()
}

func (b *Builder) CoordinatorKey() *btcec.PublicKey {
	return b.coordKey
}

// ReceiveScript is the script of every plain VTXO the user owns: change,
// revoked HTLCs and boarded funds.
func (b *Builder) ReceiveScript() *VtxoScript {
	return b.receive
}

// HtlcScript re-derives the HTLC script of a payment.
func (b *Builder) HtlcScript(paymentHash agreement.PaymentHash, expiry uint32) (*HtlcScript, error) {
	return NewHtlcScript(b.user.PubKey(), b.coordKey, paymentHash, expiry)
}

// Proposal is an HTLC construction waiting for the coordinator's half of
// the signatures.
type Proposal struct {
	PaymentHash  agreement.PaymentHash
	Amount       btcutil.Amount
	ExpiryHeight uint32
	Inputs       []Vtxo
	Htlc         *HtlcScript

	userKey []byte
	spend   *spend
}

// Build creates the HTLC proposal spending inputs. The expiry is
// currentHeight + expiryDelta.
func (b *Builder) Build(
	inputs []Vtxo,
	amount btcutil.Amount,
	paymentHash agreement.PaymentHash,
	expiryDelta uint32,
	currentHeight int64,
) (*Proposal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if paymentHash.IsZero() {
		return nil, ErrEmptyPaymentHash
	}
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}

	expiry := currentHeight + int64(expiryDelta)
	if currentHeight < 0 || expiry >= txscript.LockTimeThreshold || expiry > math.MaxUint32 {
		return nil, ErrExpiryOutOfRange
	}

	seen := make(map[agreement.VtxoId]struct{}, len(inputs))
	var total btcutil.Amount
	for _, in := range inputs {
		if _, ok := seen[in.Id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInput, in.Id.String())
		}
		seen[in.Id] = struct{}{}
		if !bytes.Equal(in.PkScript, b.receive.PkScript) {
			return nil, fmt.Errorf("%w: input %s", ErrScriptMismatch, in.Id.String())
		}
		total += in.Amount
	}
	if total < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInputsTooSmall, int64(total), int64(amount))
	}

	script, err := b.HtlcScript(paymentHash, uint32(expiry))
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		op := in.Id.OutPoint()
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), script.PkScript))
	if change := total - amount; change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), b.receive.PkScript))
	}

	sp, err := newSpend(tx, inputs, b.receive.TapTree, b.receive.CosignLeaf, b.user)
	if err != nil {
		return nil, err
	}

	return &Proposal{
		PaymentHash:  paymentHash,
		Amount:       amount,
		ExpiryHeight: uint32(expiry),
		Inputs:       inputs,
		Htlc:         script,
		userKey:      b.user.PubKey().SerializeCompressed(),
		spend:        sp,
	}, nil
}

// SigHashes are the exact bytes the coordinator must sign, one per input.
func (p *Proposal) SigHashes() [][]byte {
	return p.spend.hashes()
}

func (p *Proposal) Txid() string {
	return p.spend.tx.TxHash().String()
}

// CosignRequest is the request carrying this proposal to the coordinator.
func (p *Proposal) CosignRequest(destination string) (*agreement.HtlcCosignRequest, error) {
	raw, err := encodeTx(p.spend.tx)
	if err != nil {
		return nil, err
	}
	return &agreement.HtlcCosignRequest{
		Destination:  destination,
		Amount:       p.Amount,
		PaymentHash:  p.PaymentHash,
		ExpiryHeight: p.ExpiryHeight,
		Inputs:       p.spend.prevOuts(),
		UnsignedTx:   raw,
		UserPubKey:   p.userKey,
	}, nil
}

// AttachCosign verifies the coordinator signatures against the proposal
// and returns the signed HTLC VTXOs. Any mismatch yields ErrVerification.
// A proposal can be attached once.
func (b *Builder) AttachCosign(p *Proposal, sigs [][]byte) (*SignedSend, error) {
	signed, err := p.spend.attach(b.coordKey, sigs)
	if err != nil {
		return nil, err
	}

	txid := signed.TxHash()
	out := &SignedSend{Tx: signed}
	out.Htlcs = append(out.Htlcs, HtlcVtxo{
		Vtxo: Vtxo{
			Id:       agreement.VtxoId{Txid: txid, Vout: 0},
			Amount:   btcutil.Amount(signed.TxOut[0].Value),
			PkScript: signed.TxOut[0].PkScript,
		},
		PaymentHash:  p.PaymentHash,
		ExpiryHeight: p.ExpiryHeight,
		Script:       p.Htlc,
	})
	if len(signed.TxOut) > 1 {
		out.Change = &Vtxo{
			Id:       agreement.VtxoId{Txid: txid, Vout: 1},
			Amount:   btcutil.Amount(signed.TxOut[1].Value),
			PkScript: signed.TxOut[1].PkScript,
		}
	}

	if out.HtlcTotal() < p.Amount {
		return nil, fmt.Errorf("%w: htlc total below amount", ErrVerification)
	}
	return out, nil
}
