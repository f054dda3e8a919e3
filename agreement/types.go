// Global agreement on types shared by the wallet components.

package agreement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/liquidsend/common"
)

// PaymentHash is the caller supplied 32-byte identifier of a payment.
// It is both the idempotency key of a send and the source of its hash-lock.
type PaymentHash [32]byte

// NewPaymentHash derives the payment hash from a preimage.
func NewPaymentHash(preimage []byte) PaymentHash {
	return PaymentHash(sha256.Sum256(preimage))
}

// PaymentHashFromHex parses a 64-character hex string, with or without 0x.
func PaymentHashFromHex(s string) (PaymentHash, error) {
	b, err := hex.DecodeString(common.Trim0xPrefix(s))
	if err != nil {
		return PaymentHash{}, err
	}
	if len(b) != 32 {
		return PaymentHash{}, fmt.Errorf("payment hash must be 32 bytes, got %d", len(b))
	}
	return PaymentHash(b), nil
}

// String returns the hex representation without 0x prefix.
func (h PaymentHash) String() string {
	return common.ByteSliceToPureHexStr(h[:])
}

func (h PaymentHash) IsZero() bool {
	return h == PaymentHash{}
}

func (h PaymentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *PaymentHash) UnmarshalText(text []byte) error {
	v, err := PaymentHashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// VtxoId identifies a virtual output by the off-chain transaction
// that created it and the output index.
type VtxoId struct {
	Txid chainhash.Hash
	Vout uint32
}

func NewVtxoId(op wire.OutPoint) VtxoId {
	return VtxoId{Txid: op.Hash, Vout: op.Index}
}

// ParseVtxoId parses the "<txid>:<vout>" form produced by String.
func ParseVtxoId(s string) (VtxoId, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return VtxoId{}, errors.New("vtxo id must be <txid>:<vout>")
	}
	txid, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return VtxoId{}, err
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return VtxoId{}, err
	}
	return VtxoId{Txid: *txid, Vout: uint32(vout)}, nil
}

func (id VtxoId) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: id.Txid, Index: id.Vout}
}

func (id VtxoId) String() string {
	return fmt.Sprintf("%s:%d", id.Txid.String(), id.Vout)
}

func (id VtxoId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *VtxoId) UnmarshalText(text []byte) error {
	v, err := ParseVtxoId(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// CompletionProof is the coordinator's evidence that the Liquid
// settlement for a payment was broadcast and confirmed.
type CompletionProof struct {
	SettlementTxid string `json:"settlement_txid"`
	Message        string `json:"message"`
}

func (p *CompletionProof) String() string {
	return fmt.Sprintf("%+v", *p)
}

// CoordinatorInfo is the configuration the coordinator publishes and
// the wallet reads once when it opens.
type CoordinatorInfo struct {
	PubKey          []byte `json:"pubkey"`            // 33-byte compressed public key
	HtlcExpiryDelta uint32 `json:"htlc_expiry_delta"` // blocks added to the tip
}
