package routing

import (
	"context"
	"net/netip"
	"sync"
)

var _ Router = &MemoryRouter{}

// MemoryRouter resolves keys from an in process table. It is used when the swarm is disabled
// and in tests.
type MemoryRouter struct {
	resolver map[string][]netip.AddrPort
	self     netip.AddrPort
	mx       sync.RWMutex
}

func NewMemoryRouter(resolver map[string][]netip.AddrPort, self netip.AddrPort) *MemoryRouter {
	if resolver == nil {
		resolver = map[string][]netip.AddrPort{}
	}
	return &MemoryRouter{
		resolver: resolver,
		self:     self,
	}
}

func (m *MemoryRouter) Ready(ctx context.Context) (bool, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return len(m.resolver) > 0, nil
}

func (m *MemoryRouter) Resolve(ctx context.Context, key string, count int) (<-chan netip.AddrPort, error) {
	m.mx.RLock()
	peers := append([]netip.AddrPort{}, m.resolver[key]...)
	m.mx.RUnlock()

	if count > 0 && len(peers) > count {
		peers = peers[:count]
	}
	peerCh := make(chan netip.AddrPort, len(peers))
	for _, peer := range peers {
		peerCh <- peer
	}
	close(peerCh)
	return peerCh, nil
}

func (m *MemoryRouter) Advertise(ctx context.Context, keys []string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, key := range keys {
		m.add(key, m.self)
	}
	return nil
}

func (m *MemoryRouter) Add(key string, ap netip.AddrPort) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.add(key, ap)
}

func (m *MemoryRouter) add(key string, ap netip.AddrPort) {
	for _, existing := range m.resolver[key] {
		if existing == ap {
			return
		}
	}
	m.resolver[key] = append(m.resolver[key], ap)
}

func (m *MemoryRouter) Lookup(key string) ([]netip.AddrPort, bool) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	v, ok := m.resolver[key]
	return append([]netip.AddrPort{}, v...), ok
}
