package liquidstate

import (
	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/TEENet-io/liquidsend/agreement"
)

// finishedCache holds terminal records, which never change again.
type finishedCache struct {
	cache *lru.Cache[agreement.PaymentHash, *LiquidSend]
}

func newFinishedCache(size int) *finishedCache {
	return &finishedCache{
		cache: lru.NewCache[agreement.PaymentHash, *LiquidSend](size),
	}
}

func (fc *finishedCache) add(r *LiquidSend) {
	if r.IsFinished() {
		fc.cache.Add(r.PaymentHash, r.Clone())
	}
}

func (fc *finishedCache) get(hash agreement.PaymentHash) (*LiquidSend, bool) {
	r, ok := fc.cache.Get(hash)
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (fc *finishedCache) remove(hash agreement.PaymentHash) {
	fc.cache.Remove(hash)
}
