package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"cdnmesh/pkg/api"
	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/fetch"
	"cdnmesh/pkg/liveness"
	"cdnmesh/pkg/metrics"
	"cdnmesh/pkg/routing"
	"cdnmesh/pkg/store"
)

const (
	DefaultReadvertiseInterval = 5 * time.Minute
	DefaultMaxUploadSize       = 1 << 30
)

// DirectoryClient is the subset of the directory service a node talks to.
type DirectoryClient interface {
	Register(ctx context.Context, address, name string) error
	Heartbeat(ctx context.Context, address string) error
	AddMapping(ctx context.Context, req api.AddMappingRequest) error
	FetchResults(ctx context.Context, fileName, contentType string) ([]api.Result, error)
}

type AgentConfig struct {
	Clock               clock.Clock
	Log                 logr.Logger
	Router              routing.Router
	Fetcher             *fetch.Fetcher
	Label               string
	HeartbeatInterval   time.Duration
	ReadvertiseInterval time.Duration
	MaxUploadSize       int64
}

func (cfg *AgentConfig) Apply(opts ...AgentOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type AgentOption func(cfg *AgentConfig) error

func WithClock(c clock.Clock) AgentOption {
	return func(cfg *AgentConfig) error {
		cfg.Clock = c
		return nil
	}
}

func WithLogger(log logr.Logger) AgentOption {
	return func(cfg *AgentConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithRouter enables swarm addressing. Uploads are advertised under their content identifier
// and mapped with a swarm locator.
func WithRouter(router routing.Router) AgentOption {
	return func(cfg *AgentConfig) error {
		cfg.Router = router
		return nil
	}
}

func WithFetcher(f *fetch.Fetcher) AgentOption {
	return func(cfg *AgentConfig) error {
		cfg.Fetcher = f
		return nil
	}
}

func WithLabel(label string) AgentOption {
	return func(cfg *AgentConfig) error {
		cfg.Label = label
		return nil
	}
}

func WithHeartbeatInterval(d time.Duration) AgentOption {
	return func(cfg *AgentConfig) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat interval must be positive, got %s", d)
		}
		cfg.HeartbeatInterval = d
		return nil
	}
}

func WithReadvertiseInterval(d time.Duration) AgentOption {
	return func(cfg *AgentConfig) error {
		if d <= 0 {
			return fmt.Errorf("readvertise interval must be positive, got %s", d)
		}
		cfg.ReadvertiseInterval = d
		return nil
	}
}

func WithMaxUploadSize(size int64) AgentOption {
	return func(cfg *AgentConfig) error {
		if size <= 0 {
			return fmt.Errorf("max upload size must be positive, got %d", size)
		}
		cfg.MaxUploadSize = size
		return nil
	}
}

// Agent is the node side of the directory protocol. It stores uploads, advertises them and
// keeps the node alive in the directory.
type Agent struct {
	directory           DirectoryClient
	store               *store.Store
	catalogue           *store.Catalogue
	router              routing.Router
	fetcher             *fetch.Fetcher
	clock               clock.Clock
	log                 logr.Logger
	address             string
	label               string
	heartbeatInterval   time.Duration
	readvertiseInterval time.Duration
	maxUploadSize       int64
}

// NewAgent creates an agent that advertises itself as address, the base URL other nodes and
// clients reach its HTTP server on.
func NewAgent(address string, dir DirectoryClient, st *store.Store, cat *store.Catalogue, opts ...AgentOption) (*Agent, error) {
	if address == "" {
		return nil, errors.New("advertise address is required")
	}
	if dir == nil || st == nil || cat == nil {
		return nil, errors.New("directory client, store and catalogue are required")
	}
	cfg := AgentConfig{
		Clock:               clock.New(),
		Log:                 logr.Discard(),
		HeartbeatInterval:   liveness.DefaultHeartbeatInterval,
		ReadvertiseInterval: DefaultReadvertiseInterval,
		MaxUploadSize:       DefaultMaxUploadSize,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Label == "" {
		cfg.Label = address
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher, err = fetch.NewFetcher(fetch.WithLogger(cfg.Log), fetch.WithRouter(cfg.Router))
		if err != nil {
			return nil, err
		}
	}
	return &Agent{
		directory:           dir,
		store:               st,
		catalogue:           cat,
		router:              cfg.Router,
		fetcher:             cfg.Fetcher,
		clock:               cfg.Clock,
		log:                 cfg.Log,
		address:             address,
		label:               cfg.Label,
		heartbeatInterval:   cfg.HeartbeatInterval,
		readvertiseInterval: cfg.ReadvertiseInterval,
		maxUploadSize:       cfg.MaxUploadSize,
	}, nil
}

// Run registers the node and keeps heartbeating and re-advertising until the context is done.
// Directory failures are logged and never stop the node from serving.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.directory.Register(ctx, a.address, a.label); err != nil {
		a.log.Error(err, "could not register with directory, continuing with heartbeats")
	} else {
		a.log.Info("registered with directory", "address", a.address, "label", a.label)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := a.clock.Ticker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.heartbeat(ctx)
			}
		}
	})
	g.Go(func() error {
		// The first re-advertise runs right away, off the heartbeat path.
		immediateCh := make(chan time.Time, 1)
		immediateCh <- a.clock.Now()
		ticker := a.clock.Ticker(a.readvertiseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-immediateCh:
				immediateCh = nil
				a.Readvertise(ctx)
			case <-ticker.C:
				a.Readvertise(ctx)
			}
		}
	})
	return g.Wait()
}

func (a *Agent) heartbeat(ctx context.Context) {
	err := a.directory.Heartbeat(ctx, a.address)
	if err != nil {
		a.log.Error(err, "heartbeat failed", "address", a.address)
		return
	}
	a.log.V(4).Info("heartbeat sent", "address", a.address)
}

// Readvertise pushes the mapping of every catalogued file to the directory and provides their
// content identifiers to the swarm, so a restarted directory or expired provider records recover.
func (a *Agent) Readvertise(ctx context.Context) {
	entries, err := a.catalogue.List()
	if err != nil {
		a.log.Error(err, "could not list catalogue")
		return
	}
	keys := []string{}
	advertised := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		loc := a.locator(entry)
		if loc.Kind() == directory.KindSwarm {
			keys = append(keys, entry.CID)
		}
		err := a.directory.AddMapping(ctx, api.AddMappingRequest{
			ContentType:   entry.ContentType,
			FileName:      entry.FileName,
			ServerAddress: a.address,
			Locator:       ptr(api.FromLocator(loc)),
		})
		if err != nil {
			a.log.Error(err, "could not re-advertise file", "contentType", entry.ContentType, "fileName", entry.FileName)
			continue
		}
		advertised++
	}
	if a.router != nil && len(keys) > 0 {
		if err := a.router.Advertise(ctx, keys); err != nil {
			a.log.Error(err, "could not provide content identifiers to the swarm")
		}
	}
	metrics.AdvertisedFiles.Set(float64(advertised))
	a.log.V(4).Info("re-advertised catalogue", "files", len(entries), "advertised", advertised)
}

// locator returns the swarm locator when the swarm is enabled and the entry has an identifier,
// otherwise the direct locator of this node.
func (a *Agent) locator(entry store.Entry) directory.Locator {
	if a.router != nil && entry.CID != "" {
		if c, err := cid.Decode(entry.CID); err == nil {
			return directory.Swarm{CID: c}
		}
	}
	return directory.NewDirect(a.address, entry.ContentType, entry.FileName)
}

func ptr[T any](v T) *T {
	return &v
}
