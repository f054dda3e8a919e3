package htlc

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/ripemd160"

	"github.com/TEENet-io/liquidsend/agreement"
)

// x-only NUMS point from BIP-341, so that outputs can only be spent
// through one of their script leaves.
const unspendableKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var unspendableKey *btcec.PublicKey

func init() {
	b, err := hex.DecodeString(unspendableKeyHex)
	if err != nil {
		panic(err)
	}
	unspendableKey, err = schnorr.ParsePubKey(b)
	if err != nil {
		panic(err)
	}
}

// UnspendableKey returns the internal key of every output built here.
func UnspendableKey() *btcec.PublicKey {
	return unspendableKey
}

// HashLock returns ripemd160(paymentHash), the value checked by OP_HASH160
// against the preimage in the success leaf.
func HashLock(paymentHash agreement.PaymentHash) [20]byte {
	h := ripemd160.New()
	_, _ = h.Write(paymentHash[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CosignScript is <userKey> OP_CHECKSIGVERIFY <coordKey> OP_CHECKSIG.
// It is the spend path of a plain VTXO and the revocation leaf of an HTLC.
func CosignScript(userKey, coordKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(userKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(schnorr.SerializePubKey(coordKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// SuccessScript lets the coordinator claim with the 32-byte preimage.
func SuccessScript(coordKey *btcec.PublicKey, hashLock [20]byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(coordKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_SIZE).
		AddInt64(32).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_HASH160).
		AddData(hashLock[:]).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// RefundScript lets the user alone spend once the expiry height is reached.
func RefundScript(userKey *btcec.PublicKey, expiry uint32) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(userKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(expiry)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		Script()
}

// TapTree is a taproot output committing to a list of leaves.
type TapTree struct {
	Leaves    []txscript.TapLeaf
	tree      *txscript.IndexedTapScriptTree
	OutputKey *btcec.PublicKey
	PkScript  []byte
}

func newTapTree(scripts ...[]byte) (*TapTree, error) {
	leaves := make([]txscript.TapLeaf, 0, len(scripts))
	for _, s := range scripts {
		leaves = append(leaves, txscript.NewBaseTapLeaf(s))
	}

	tree := txscript.AssembleTaprootScriptTree(leaves...)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(unspendableKey, root[:])
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, err
	}

	return &TapTree{
		Leaves:    leaves,
		tree:      tree,
		OutputKey: outputKey,
		PkScript:  pkScript,
	}, nil
}

// ControlBlock returns the serialized control block for leaf.
func (t *TapTree) ControlBlock(leaf txscript.TapLeaf) ([]byte, error) {
	idx, ok := t.tree.LeafProofIndex[leaf.TapHash()]
	if !ok {
		return nil, ErrUnknownLeaf
	}
	ctrl := t.tree.LeafMerkleProofs[idx].ToControlBlock(unspendableKey)
	return ctrl.ToBytes()
}

// VtxoScript is the script of a plain spendable VTXO owned by the user.
type VtxoScript struct {
	*TapTree
	CosignLeaf txscript.TapLeaf
}

func NewVtxoScript(userKey, coordKey *btcec.PublicKey) (*VtxoScript, error) {
	cosign, err := CosignScript(userKey, coordKey)
	if err != nil {
		return nil, err
	}
	tree, err := newTapTree(cosign)
	if err != nil {
		return nil, err
	}
	return &VtxoScript{TapTree: tree, CosignLeaf: tree.Leaves[0]}, nil
}

// HtlcScript is the taproot script of an HTLC VTXO.
type HtlcScript struct {
	*TapTree
	HashLock       [20]byte
	ExpiryHeight   uint32
	SuccessLeaf    txscript.TapLeaf
	RefundLeaf     txscript.TapLeaf
	RevocationLeaf txscript.TapLeaf
}

func NewHtlcScript(userKey, coordKey *btcec.PublicKey, paymentHash agreement.PaymentHash, expiry uint32) (*HtlcScript, error) {
	hashLock := HashLock(paymentHash)

	success, err := SuccessScript(coordKey, hashLock)
	if err != nil {
		return nil, err
	}
	refund, err := RefundScript(userKey, expiry)
	if err != nil {
		return nil, err
	}
	revocation, err := CosignScript(userKey, coordKey)
	if err != nil {
		return nil, err
	}

	tree, err := newTapTree(success, refund, revocation)
	if err != nil {
		return nil, err
	}

	return &HtlcScript{
		TapTree:        tree,
		HashLock:       hashLock,
		ExpiryHeight:   expiry,
		SuccessLeaf:    tree.Leaves[0],
		RefundLeaf:     tree.Leaves[1],
		RevocationLeaf: tree.Leaves[2],
	}, nil
}

// cosignWitness assembles the witness spending a cosign leaf.
func cosignWitness(userSig, coordSig, leafScript, controlBlock []byte) wire.TxWitness {
	return wire.TxWitness{coordSig, userSig, leafScript, controlBlock}
}
