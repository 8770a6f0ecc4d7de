package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Bootstrapper provides the initial peers a router connects to when joining the swarm.
type Bootstrapper interface {
	// Run publishes the identity of this host, if the bootstrapper needs to, until the context is done.
	Run(ctx context.Context, id string) error
	// Get returns the peers to bootstrap with. Peers may lack an ID, in which case the router resolves it.
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

type StaticBootstrapper struct {
	peers []peer.AddrInfo
}

func NewStaticBootstrapperFromStrings(peerStrs []string) (*StaticBootstrapper, error) {
	peers := []peer.AddrInfo{}
	for _, peerStr := range peerStrs {
		addrInfo, err := peer.AddrInfoFromString(peerStr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap peer %q: %w", peerStr, err)
		}
		peers = append(peers, *addrInfo)
	}
	return NewStaticBootstrapper(peers), nil
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{
		peers: peers,
	}
}

func (b *StaticBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return b.peers, nil
}

var _ Bootstrapper = &DNSBootstrapper{}

// DNSBootstrapper resolves the A and AAAA records of a domain, for example a headless service,
// into bootstrap peers.
type DNSBootstrapper struct {
	client *dns.Client
	domain string
	server string
	limit  int
}

// NewDNSBootstrapper queries server for domain. An empty server uses the first nameserver of /etc/resolv.conf.
func NewDNSBootstrapper(domain string, limit int, server string) *DNSBootstrapper {
	return &DNSBootstrapper{
		client: &dns.Client{Timeout: 5 * time.Second},
		domain: domain,
		server: server,
		limit:  limit,
	}
}

func (b *DNSBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *DNSBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	server := b.server
	if server == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("could not read resolver configuration: %w", err)
		}
		if len(cfg.Servers) == 0 {
			return nil, errors.New("no nameservers configured")
		}
		server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}

	ips := []net.IP{}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(b.domain), qtype)
		resp, _, err := b.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, fmt.Errorf("could not look up %s: %w", b.domain, err)
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", b.domain)
	}
	slices.SortFunc(ips, func(a, b net.IP) int {
		return strings.Compare(a.String(), b.String())
	})

	addrInfos := []peer.AddrInfo{}
	for _, ip := range ips {
		addr, err := manet.FromIP(ip)
		if err != nil {
			return nil, err
		}
		addrInfos = append(addrInfos, peer.AddrInfo{
			Addrs: []ma.Multiaddr{addr},
		})
		if b.limit > 0 && len(addrInfos) == b.limit {
			break
		}
	}
	return addrInfos, nil
}

var _ Bootstrapper = &HTTPBootstrapper{}

// HTTPBootstrapper serves the identity of this host on addr and bootstraps from the identity
// served by peer.
type HTTPBootstrapper struct {
	addr string
	peer string
	mx   sync.RWMutex
	id   string
}

func NewHTTPBootstrapper(addr, peer string) *HTTPBootstrapper {
	return &HTTPBootstrapper{
		addr: addr,
		peer: peer,
	}
}

func (b *HTTPBootstrapper) Run(ctx context.Context, id string) error {
	b.mx.Lock()
	b.id = id
	b.mx.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		b.mx.RLock()
		defer b.mx.RUnlock()
		_, _ = w.Write([]byte(b.id))
	})
	srv := &http.Server{
		Addr:    b.addr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *HTTPBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	target := b.peer
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(target, "/")+"/id", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap peer responded with %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, err
	}
	addrInfo, err := peer.AddrInfoFromString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, err
	}
	return []peer.AddrInfo{*addrInfo}, nil
}
