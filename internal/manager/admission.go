package manager

import "context"

// admitChain reserves one of the session's inflight-chain slots. It is taken
// only after a chain's inputs are ready, so chains blocked on data never hold
// a slot a producer needs. Returns a release func to be deferred.
func (m *Manager) admitChain(ctx context.Context, s *Session) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	inflightChains.Inc()
	s.inflight.Add(1)
	return func() {
		s.inflight.Add(-1)
		inflightChains.Dec()
		s.sem.Release(1)
	}, nil
}
