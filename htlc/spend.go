package htlc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/multisig"
)

const verifyFlags = txscript.StandardVerifyFlags | txscript.ScriptVerifyWitness | txscript.ScriptVerifyTaproot

// TapscriptSigHashes returns the BIP-342 signature hash of every input of
// tx, each spending leaf of its prevout.
func TapscriptSigHashes(tx *wire.MsgTx, prevs []agreement.PrevOut, leaf txscript.TapLeaf) ([][]byte, error) {
	if len(prevs) != len(tx.TxIn) {
		return nil, fmt.Errorf("%d prevouts for %d inputs", len(prevs), len(tx.TxIn))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, prev := range prevs {
		if tx.TxIn[i].PreviousOutPoint != prev.Id.OutPoint() {
			return nil, fmt.Errorf("input %d does not spend %s", i, prev.Id.String())
		}
		fetcher.AddPrevOut(prev.Id.OutPoint(), wire.NewTxOut(int64(prev.Amount), prev.PkScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hashes := make([][]byte, len(prevs))
	for i := range prevs {
		h, err := txscript.CalcTapscriptSignaturehash(sigHashes, txscript.SigHashDefault, tx, i, fetcher, leaf)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

// DecodeTx parses a serialized off-chain transaction.
func DecodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func encodeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// spend is an unsigned transaction whose inputs all spend the same cosign
// leaf, together with the user's half of the signatures.
type spend struct {
	tx        *wire.MsgTx
	prevs     []Vtxo
	tree      *TapTree
	leaf      txscript.TapLeaf
	sigHashes [][]byte
	userSigs  [][]byte

	mu       sync.Mutex
	consumed bool
}

func newSpend(tx *wire.MsgTx, prevs []Vtxo, tree *TapTree, leaf txscript.TapLeaf, user multisig.SchnorrSigner) (*spend, error) {
	outs := make([]agreement.PrevOut, len(prevs))
	for i := range prevs {
		outs[i] = prevs[i].PrevOut()
	}

	sigHashes, err := TapscriptSigHashes(tx, outs, leaf)
	if err != nil {
		return nil, err
	}

	userSigs := make([][]byte, len(sigHashes))
	for i, h := range sigHashes {
		if userSigs[i], err = user.Sign(h); err != nil {
			return nil, err
		}
	}

	return &spend{
		tx:        tx,
		prevs:     prevs,
		tree:      tree,
		leaf:      leaf,
		sigHashes: sigHashes,
		userSigs:  userSigs,
	}, nil
}

func (s *spend) hashes() [][]byte {
	out := make([][]byte, len(s.sigHashes))
	for i, h := range s.sigHashes {
		out[i] = append([]byte(nil), h...)
	}
	return out
}

func (s *spend) prevOuts() []agreement.PrevOut {
	outs := make([]agreement.PrevOut, len(s.prevs))
	for i := range s.prevs {
		outs[i] = s.prevs[i].PrevOut()
	}
	return outs
}

// attach verifies the coordinator signatures, completes the witnesses and
// runs every input through the script engine. The spend is consumed
// whatever the outcome.
func (s *spend) attach(coordKey *btcec.PublicKey, sigs [][]byte) (*wire.MsgTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumed {
		return nil, ErrProposalConsumed
	}
	s.consumed = true

	if len(sigs) != len(s.sigHashes) {
		return nil, fmt.Errorf("%w: %w: got %d, want %d", ErrVerification, ErrMissingSignatures, len(sigs), len(s.sigHashes))
	}
	for i, sig := range sigs {
		if !multisig.Verify(coordKey, s.sigHashes[i], sig) {
			return nil, fmt.Errorf("%w: bad coordinator signature on input %d", ErrVerification, i)
		}
	}

	ctrl, err := s.tree.ControlBlock(s.leaf)
	if err != nil {
		return nil, err
	}

	signed := s.tx.Copy()
	for i := range signed.TxIn {
		signed.TxIn[i].Witness = cosignWitness(s.userSigs[i], sigs[i], s.leaf.Script, ctrl)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range s.prevs {
		fetcher.AddPrevOut(s.prevs[i].Id.OutPoint(), s.prevs[i].TxOut())
	}
	sigHashes := txscript.NewTxSigHashes(signed, fetcher)
	for i := range s.prevs {
		vm, err := txscript.NewEngine(s.prevs[i].PkScript, signed, i, verifyFlags, nil, sigHashes, int64(s.prevs[i].Amount), fetcher)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrVerification, i, err)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrVerification, i, err)
		}
	}

	return signed, nil
}
