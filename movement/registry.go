package movement

import (
	"context"
	"fmt"
)

// Registry maps subsystem tags to the ids the ledger assigned them. It is
// built once when the wallet opens and passed to the components that
// record movements.
type Registry struct {
	ids map[string]int64
}

func LoadRegistry(ctx context.Context, ledger *Ledger, tags ...string) (*Registry, error) {
	r := &Registry{ids: make(map[string]int64, len(tags))}
	for _, tag := range tags {
		id, err := ledger.RegisterSubsystem(ctx, tag)
		if err != nil {
			return nil, fmt.Errorf("register subsystem %s: %w", tag, err)
		}
		r.ids[tag] = id
	}
	return r, nil
}

// NewRegistry builds a registry from known ids.
func NewRegistry(ids map[string]int64) *Registry {
	r := &Registry{ids: make(map[string]int64, len(ids))}
	for k, v := range ids {
		r.ids[k] = v
	}
	return r
}

func (r *Registry) Id(tag string) (int64, error) {
	id, ok := r.ids[tag]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubsystem, tag)
	}
	return id, nil
}
