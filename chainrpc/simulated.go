package chainrpc

import (
	"sync"
)

// SimChain is a chain tip that only moves when told to.
type SimChain struct {
	mu     sync.Mutex
	height int64
	err    error
}

func NewSimChain(height int64) *SimChain {
	return &SimChain{height: height}
}

func (s *SimChain) GetLatestBlockHeight() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.height, nil
}

func (s *SimChain) SetHeight(h int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = h
}

// Mine advances the tip by n blocks and returns the new height.
func (s *SimChain) Mine(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
	return s.height
}

// SetError makes every following read fail with err until cleared with nil.
func (s *SimChain) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
