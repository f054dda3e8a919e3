package liquidsend

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/liquidstate"
	"github.com/TEENet-io/liquidsend/movement"
	"github.com/TEENet-io/liquidsend/vtxovault"
)

// Selector reserves and books the wallet's vtxos. Implemented by
// *vtxovault.Vault.
type Selector interface {
	// ChooseAndLock reserves usable vtxos covering target for linkedID.
	ChooseAndLock(ctx context.Context, target btcutil.Amount, linkedID string) ([]vtxovault.Vtxo, error)
	Release(vtxos []vtxovault.Vtxo) error

	StoreSend(ctx context.Context, linkedID string, inputs []vtxovault.Vtxo, htlcs []vtxovault.Vtxo, change *vtxovault.Vtxo) error
	HtlcVtxos(linkedID string) ([]vtxovault.Vtxo, error)
	RevokedVtxos(linkedID string) ([]vtxovault.Vtxo, error)
	StoreRevoked(ctx context.Context, linkedID string, revoked []vtxovault.Vtxo) error
	MarkHtlcsSpent(ctx context.Context, linkedID string) error

	// Relink moves every vtxo linked to from over to to.
	Relink(ctx context.Context, from, to string) error
}

// Store persists liquid send records. Implemented by *liquidstate.StateDB.
type Store interface {
	Insert(ctx context.Context, r *liquidstate.LiquidSend) error
	Get(hash agreement.PaymentHash) (*liquidstate.LiquidSend, bool, error)
	GetPending() ([]*liquidstate.LiquidSend, error)
	MarkConfirmed(ctx context.Context, hash agreement.PaymentHash, proof *agreement.CompletionProof, at time.Time) error
	SetRevocationStage(ctx context.Context, hash agreement.PaymentHash, stage liquidstate.RevocationStage) error
	MarkRevoked(ctx context.Context, hash agreement.PaymentHash, at time.Time) error
	Archive(ctx context.Context, hash agreement.PaymentHash, at time.Time) error
}

// Ledger records balance movements. Implemented by *movement.Ledger.
type Ledger interface {
	NewMovement(ctx context.Context, p movement.NewMovementParams) (int64, error)
	UpdateKind(ctx context.Context, id int64, kind movement.Kind, status movement.Status, amount int64) error
	LatestPending(subsystemId int64, reference string) (*movement.Movement, bool, error)
}
