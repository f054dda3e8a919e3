package paylock

import (
	"context"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/multimutex"

	"github.com/TEENet-io/liquidsend/agreement"
)

var ErrLockHeld = errors.New("lock held by another process")

// Locker provides mutual exclusion per payment hash. Lock blocks until the
// hash is free or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, hash agreement.PaymentHash) (unlock func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mutexes *multimutex.HashMutex
}

func NewLocal() *Local {
	return &Local{mutexes: multimutex.NewHashMutex()}
}

func (l *Local) Lock(ctx context.Context, hash agreement.PaymentHash) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := lntypes.Hash(hash)
	acquired := make(chan struct{})
	go func() {
		l.mutexes.Lock(key)
		close(acquired)
	}()

	select {
	case <-acquired:
		var once sync.Once
		return func() {
			once.Do(func() { l.mutexes.Unlock(key) })
		}, nil

	case <-ctx.Done():
		// the waiter still gets the mutex eventually and must hand it back
		go func() {
			<-acquired
			l.mutexes.Unlock(key)
		}()
		return nil, ctx.Err()
	}
}
