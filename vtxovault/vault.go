package vtxovault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	logger "github.com/sirupsen/logrus"
)

const (
	// Reservations of inputs lapse after this delay if nothing releases
	// or spends them, e.g. after a crash mid-initiation.
	DefaultLockTimeout = 30 * time.Minute

	// selections lost to a concurrent writer are retried this many times
	reserveAttempts = 3
)

// Vault tracks the wallet's vtxos and serializes reservations so that no
// vtxo is ever handed to two operations.
type Vault struct {
	backend     VtxoStorage
	lockTimeout time.Duration
	updateMu    sync.Mutex // prevent concurrent selections
}

func NewVault(backend VtxoStorage, lockTimeout time.Duration) *Vault {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Vault{backend: backend, lockTimeout: lockTimeout}
}

// AddVtxo adds a new plain vtxo. It won't insert duplicates.
func (v *Vault) AddVtxo(vtxo Vtxo) error {
	old, err := v.backend.QueryByTxIDAndVout(vtxo.TxID, vtxo.Vout)
	if err != nil {
		return err
	}
	if old != nil {
		return ErrVtxoExists
	}
	if vtxo.Kind == "" {
		vtxo.Kind = KindSpendable
	}
	return v.backend.InsertVtxo(vtxo)
}

// ChooseAndLock selects usable vtxos summing to at least target and
// reserves them for linkedID. Reservations are atomic in the store, so
// wallets in other processes sharing it never get the same vtxos.
func (v *Vault) ChooseAndLock(ctx context.Context, target btcutil.Amount, linkedID string) ([]Vtxo, error) {
	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	var err error
	for i := 0; i < reserveAttempts; i++ {
		timeout := time.Now().Add(v.lockTimeout).Unix()
		var vtxos []Vtxo
		vtxos, err = v.backend.ReserveEnoughVtxos(ctx, int64(target), timeout, linkedID)
		if !errors.Is(err, ErrVtxoReserved) {
			return vtxos, err
		}
		logger.WithField("linked", linkedID).Debugf("selection raced another writer: %v", err)
	}
	return nil, err
}

// Release returns reserved vtxos to the usable set.
func (v *Vault) Release(vtxos []Vtxo) error {
	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	for _, vtxo := range vtxos {
		stored, err := v.backend.QueryByTxIDAndVout(vtxo.TxID, vtxo.Vout)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("%w: %s:%d", ErrVtxoNotFound, vtxo.TxID, vtxo.Vout)
		}
		if stored.Spent || stored.Kind == KindHtlc {
			continue
		}
		if err := v.backend.SetLockup(vtxo.TxID, vtxo.Vout, false, 0, ""); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseByExpire releases reservations that passed their timeout.
func (v *Vault) ReleaseByExpire() (int, error) {
	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	vtxos, err := v.backend.QueryExpiredAndLockedVtxos(time.Now().Unix())
	if err != nil {
		return 0, err
	}
	for _, vtxo := range vtxos {
		if err := v.backend.SetLockup(vtxo.TxID, vtxo.Vout, false, 0, ""); err != nil {
			return 0, err
		}
		logger.WithFields(logger.Fields{
			"vtxo":   fmt.Sprintf("%s:%d", vtxo.TxID, vtxo.Vout),
			"linked": vtxo.LinkedId,
		}).Info("released expired vtxo reservation")
	}
	return len(vtxos), nil
}

// StoreSend persists the outcome of a cosigned send atomically: inputs
// become spent, htlc vtxos are stored locked to the payment and change is
// stored spendable.
func (v *Vault) StoreSend(ctx context.Context, linkedID string, inputs []Vtxo, htlcs []Vtxo, change *Vtxo) error {
	created := make([]Vtxo, 0, len(htlcs)+1)
	for _, h := range htlcs {
		h.Kind = KindHtlc
		h.Lockup = true
		h.Spent = false
		h.Timeout = 0
		h.LinkedId = linkedID
		created = append(created, h)
	}
	if change != nil {
		c := *change
		c.Kind = KindSpendable
		c.Lockup = false
		c.Spent = false
		c.LinkedId = linkedID
		created = append(created, c)
	}

	v.updateMu.Lock()
	defer v.updateMu.Unlock()
	return v.backend.Commit(ctx, inputs, created)
}

// HtlcVtxos returns the htlc vtxos of a payment, spent or not.
func (v *Vault) HtlcVtxos(linkedID string) ([]Vtxo, error) {
	return v.backend.QueryByLinkedID(linkedID, KindHtlc)
}

// RevokedVtxos returns the vtxos reclaimed by revoking a payment.
func (v *Vault) RevokedVtxos(linkedID string) ([]Vtxo, error) {
	return v.backend.QueryByLinkedID(linkedID, KindRevoked)
}

// StoreRevoked adds reclaimed vtxos as spendable balance. Replaying it is
// harmless.
func (v *Vault) StoreRevoked(ctx context.Context, linkedID string, revoked []Vtxo) error {
	created := make([]Vtxo, 0, len(revoked))
	for _, r := range revoked {
		r.Kind = KindRevoked
		r.Lockup = false
		r.Spent = false
		r.Timeout = 0
		r.LinkedId = linkedID
		created = append(created, r)
	}

	v.updateMu.Lock()
	defer v.updateMu.Unlock()
	return v.backend.Commit(ctx, nil, created)
}

// MarkHtlcsSpent finishes the htlc vtxos of a payment. Idempotent.
func (v *Vault) MarkHtlcsSpent(ctx context.Context, linkedID string) error {
	v.updateMu.Lock()
	defer v.updateMu.Unlock()
	return v.backend.SetSpentByLinkedID(ctx, linkedID, KindHtlc)
}

// Relink hands every vtxo linked to from over to to. Used to retire the
// history of a payment hash before the hash is used again.
func (v *Vault) Relink(ctx context.Context, from, to string) error {
	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	n, err := v.backend.Relink(ctx, from, to)
	if err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"from":  from,
		"to":    to,
		"vtxos": n,
	}).Debug("relinked vtxos")
	return nil
}

// Balance is the sum of usable vtxos.
func (v *Vault) Balance() (btcutil.Amount, error) {
	total, err := v.backend.SumMoney()
	if err != nil {
		return 0, err
	}
	return btcutil.Amount(total), nil
}

func (v *Vault) Usable() ([]Vtxo, error) {
	return v.backend.QueryAllUsableVtxos()
}
