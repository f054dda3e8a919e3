package vtxovault

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/TEENet-io/liquidsend/agreement"
)

var (
	ErrInsufficientFunds = errors.New("not enough spendable vtxos")
	ErrVtxoExists        = errors.New("vtxo already exists")
	ErrVtxoNotFound      = errors.New("vtxo not found")
	ErrVtxoReserved      = errors.New("vtxo reserved concurrently")
)

type VtxoKind string

const (
	KindSpendable VtxoKind = "spendable" // boarded, received or change
	KindHtlc      VtxoKind = "htlc"      // locked into a liquid send
	KindRevoked   VtxoKind = "revoked"   // reclaimed from a revoked htlc, spendable
)

// Vtxo is a virtual output held by the wallet.
type Vtxo struct {
	TxID         string // 64-character hexadecimal string (no 0x prefix)
	Vout         uint32 // Output index
	Amount       int64  // Amount in satoshis
	PkScript     []byte // Taproot script the vtxo pays to
	Kind         VtxoKind
	Lockup       bool   // reserved by an in-flight operation or an unfinished htlc
	Spent        bool   // Spent status, default is false
	Timeout      int64  // Unix timestamp in seconds after which a reservation lapses, 0 if none
	LinkedId     string // payment hash of the send that created or reserved it
	ExpiryHeight int64  // htlc expiry height, 0 for plain vtxos
}

func (v *Vtxo) Id() (agreement.VtxoId, error) {
	h, err := chainhash.NewHashFromStr(v.TxID)
	if err != nil {
		return agreement.VtxoId{}, err
	}
	return agreement.VtxoId{Txid: *h, Vout: v.Vout}, nil
}

// FromId fills TxID and Vout from id.
func (v *Vtxo) FromId(id agreement.VtxoId) {
	v.TxID = id.Txid.String()
	v.Vout = id.Vout
}

// VtxoStorage defines the database operations behind a Vault.
type VtxoStorage interface {
	InsertVtxo(vtxo Vtxo) error

	// QueryByTxIDAndVout returns nil, nil when not found.
	QueryByTxIDAndVout(txID string, vout uint32) (*Vtxo, error)

	QueryByLinkedID(linkedID string, kind VtxoKind) ([]Vtxo, error)

	// Select all vtxos that are usable (spendable or revoked, not locked, not spent)
	QueryAllUsableVtxos() ([]Vtxo, error)

	// Reserve enough usable vtxos, largest first, to cover amount. Fails
	// with ErrVtxoReserved if another writer took one of them first.
	ReserveEnoughVtxos(ctx context.Context, amount int64, timeout int64, linkedID string) ([]Vtxo, error)

	// Locked plain vtxos whose reservation timeout < t
	QueryExpiredAndLockedVtxos(t int64) ([]Vtxo, error)

	SetLockup(txID string, vout uint32, lockup bool, timeout int64, linkedID string) error

	// Commit marks spent as spent and inserts created in one transaction.
	// Already inserted created vtxos are left untouched.
	Commit(ctx context.Context, spent []Vtxo, created []Vtxo) error

	// SetSpentByLinkedID marks every vtxo of kind linked to linkedID spent.
	SetSpentByLinkedID(ctx context.Context, linkedID string, kind VtxoKind) error

	// Relink moves every vtxo linked to from over to to.
	Relink(ctx context.Context, from, to string) (int64, error)

	// SumMoney returns the total of usable vtxos.
	SumMoney() (int64, error)
}
