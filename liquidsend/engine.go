package liquidsend

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/htlc"
	"github.com/TEENet-io/liquidsend/liquidstate"
	"github.com/TEENet-io/liquidsend/movement"
	"github.com/TEENet-io/liquidsend/paylock"
	"github.com/TEENet-io/liquidsend/vtxovault"
)

// Engine runs the payer side of liquid payments. It has no background
// work: drivers call Initiate once per payment and Check periodically.
type Engine struct {
	cfg         *Config
	vault       Selector
	statedb     Store
	ledger      Ledger
	subsystemId int64
	builder     *htlc.Builder
	coord       agreement.CoordinatorClient
	tip         agreement.ChainTip
	locker      paylock.Locker
	metrics     *Metrics

	now func() time.Time
}

func New(
	cfg *Config,
	vault Selector,
	statedb Store,
	ledger Ledger,
	registry *movement.Registry,
	builder *htlc.Builder,
	coord agreement.CoordinatorClient,
	tip agreement.ChainTip,
	locker paylock.Locker,
	metrics *Metrics,
) (*Engine, error) {
	subsystemId, err := registry.Id(movement.SubsystemLiquidSend)
	if err != nil {
		return nil, err
	}
	if locker == nil {
		locker = paylock.NewLocal()
	}

	return &Engine{
		cfg:         cfg.withDefaults(),
		vault:       vault,
		statedb:     statedb,
		ledger:      ledger,
		subsystemId: subsystemId,
		builder:     builder,
		coord:       coord,
		tip:         tip,
		locker:      locker,
		metrics:     metrics,
		now:         time.Now,
	}, nil
}

// lock enters the exclusion region of a payment hash.
func (e *Engine) lock(ctx context.Context, hash agreement.PaymentHash) (func(), error) {
	unlock, err := e.locker.Lock(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: payment lock: %v", ErrStorage, err)
	}
	return unlock, nil
}

func (e *Engine) height() (int64, error) {
	h, err := e.tip.GetLatestBlockHeight()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	return h, nil
}

func (e *Engine) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.RpcTimeout)
}

func toBuilderVtxos(vtxos []vtxovault.Vtxo) ([]htlc.Vtxo, error) {
	out := make([]htlc.Vtxo, 0, len(vtxos))
	for i := range vtxos {
		id, err := vtxos[i].Id()
		if err != nil {
			return nil, fmt.Errorf("%w: vtxo %s:%d: %v", ErrStorage, vtxos[i].TxID, vtxos[i].Vout, err)
		}
		out = append(out, htlc.Vtxo{
			Id:       id,
			Amount:   btcutil.Amount(vtxos[i].Amount),
			PkScript: vtxos[i].PkScript,
		})
	}
	return out, nil
}

func toVaultVtxo(v *htlc.Vtxo, kind vtxovault.VtxoKind, expiry uint32) vtxovault.Vtxo {
	out := vtxovault.Vtxo{
		Amount:       int64(v.Amount),
		PkScript:     v.PkScript,
		Kind:         kind,
		ExpiryHeight: int64(expiry),
	}
	out.FromId(v.Id)
	return out
}

func sumVtxos(vtxos []vtxovault.Vtxo) int64 {
	var total int64
	for _, v := range vtxos {
		total += v.Amount
	}
	return total
}

// current re-reads a record so that callers holding a stale copy act on
// the persisted state.
func (e *Engine) current(hash agreement.PaymentHash) (*liquidstate.LiquidSend, error) {
	r, ok, err := e.statedb.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return nil, ErrUnknownPayment
	}
	return r, nil
}
