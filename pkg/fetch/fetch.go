// Package fetch retrieves content from the ordered candidates returned by the directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	digest "github.com/opencontainers/go-digest"

	"cdnmesh/pkg/api"
	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/metrics"
	"cdnmesh/pkg/routing"
	"cdnmesh/pkg/store"
)

const (
	// DigestHeaderKey carries the digest of a file served by a node.
	DigestHeaderKey = "X-Content-Digest"
	// BlobsPath is the prefix under which nodes serve content by identifier.
	BlobsPath = "/blobs/"

	DefaultAttemptTimeout = 10 * time.Second
	DefaultMaxSize        = 512 << 20
	DefaultResolveCount   = 3
)

// Resolver returns the candidates for a file, best first.
type Resolver interface {
	FetchResults(ctx context.Context, fileName, contentType string) ([]api.Result, error)
}

// Content is the verified body of a file together with the candidate that served it.
type Content struct {
	Location directory.ContentLocation
	Source   string
	Data     []byte
}

type FetcherConfig struct {
	Client         *http.Client
	Log            logr.Logger
	Router         routing.Router
	AttemptTimeout time.Duration
	MaxSize        int64
	ResolveCount   int
}

func (cfg *FetcherConfig) Apply(opts ...FetcherOption) error {
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

type FetcherOption func(cfg *FetcherConfig) error

func WithHTTPClient(client *http.Client) FetcherOption {
	return func(cfg *FetcherConfig) error {
		cfg.Client = client
		return nil
	}
}

func WithLogger(log logr.Logger) FetcherOption {
	return func(cfg *FetcherConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithRouter enables swarm providers as sources for swarm locators.
func WithRouter(router routing.Router) FetcherOption {
	return func(cfg *FetcherConfig) error {
		cfg.Router = router
		return nil
	}
}

func WithAttemptTimeout(timeout time.Duration) FetcherOption {
	return func(cfg *FetcherConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("attempt timeout must be positive, got %s", timeout)
		}
		cfg.AttemptTimeout = timeout
		return nil
	}
}

func WithMaxSize(size int64) FetcherOption {
	return func(cfg *FetcherConfig) error {
		if size <= 0 {
			return fmt.Errorf("max size must be positive, got %d", size)
		}
		cfg.MaxSize = size
		return nil
	}
}

func WithResolveCount(count int) FetcherOption {
	return func(cfg *FetcherConfig) error {
		cfg.ResolveCount = count
		return nil
	}
}

type Fetcher struct {
	client         *http.Client
	log            logr.Logger
	router         routing.Router
	attemptTimeout time.Duration
	maxSize        int64
	resolveCount   int
}

func NewFetcher(opts ...FetcherOption) (*Fetcher, error) {
	cfg := FetcherConfig{
		Client:         &http.Client{},
		Log:            logr.Discard(),
		AttemptTimeout: DefaultAttemptTimeout,
		MaxSize:        DefaultMaxSize,
		ResolveCount:   DefaultResolveCount,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		client:         cfg.Client,
		log:            cfg.Log,
		router:         cfg.Router,
		attemptTimeout: cfg.AttemptTimeout,
		maxSize:        cfg.MaxSize,
		resolveCount:   cfg.ResolveCount,
	}, nil
}

// FetchFile resolves fileName through the resolver and fetches it from the first candidate that succeeds.
func (f *Fetcher) FetchFile(ctx context.Context, resolver Resolver, fileName, contentType string) (Content, error) {
	results, err := resolver.FetchResults(ctx, fileName, contentType)
	if err != nil {
		return Content{}, err
	}
	candidates := make([]directory.ContentLocation, 0, len(results))
	for _, result := range results {
		loc, err := result.ToLocation()
		if err != nil {
			f.log.Error(err, "skipping malformed candidate", "fileName", fileName, "server", result.Server)
			continue
		}
		candidates = append(candidates, loc)
	}
	return f.Fetch(ctx, candidates)
}

// Fetch attempts every candidate once, in order, until one returns verified content. Each attempt
// is bounded by the attempt timeout. Candidates that the directory advertised but that do not hold
// the content are logged as inconsistencies and skipped.
func (f *Fetcher) Fetch(ctx context.Context, candidates []directory.ContentLocation) (Content, error) {
	if len(candidates) == 0 {
		return Content{}, errors.Join(errdefs.ErrNotFound, errors.New("no candidates hold the requested file"))
	}

	errs := []error{}
	for i, loc := range candidates {
		if err := ctx.Err(); err != nil {
			return Content{}, err
		}
		if loc.Locator == nil {
			errs = append(errs, fmt.Errorf("candidate %d on %s has no locator", i+1, loc.NodeAddress))
			continue
		}
		log := f.log.WithValues("attempt", i+1, "fileName", loc.FileName, "node", loc.NodeAddress, "locator", loc.Locator.String())

		var content Content
		var err error
		switch l := loc.Locator.(type) {
		case directory.Direct:
			content, err = f.fetchDirect(ctx, l)
		case directory.Swarm:
			content, err = f.fetchSwarm(ctx, loc, l)
		default:
			err = errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("unknown locator type %T", loc.Locator))
		}
		result := attemptResult(err)
		metrics.FetchAttemptsTotal.WithLabelValues(string(loc.Locator.Kind()), result).Inc()
		if err == nil {
			log.V(4).Info("fetched content", "source", content.Source, "size", len(content.Data))
			content.Location = loc
			return content, nil
		}
		if errdefs.IsDataLoss(err) {
			log.Error(err, "candidate does not hold advertised content")
		} else {
			log.Info("candidate failed, trying next", "err", err.Error())
		}
		errs = append(errs, fmt.Errorf("%s: %w", loc.Locator, err))
	}
	return Content{}, errors.Join(append([]error{errdefs.ErrUnavailable, fmt.Errorf("all %d candidates failed", len(candidates))}, errs...)...)
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errdefs.IsDataLoss(err):
		return "inconsistent"
	default:
		return "unavailable"
	}
}

func (f *Fetcher) fetchDirect(ctx context.Context, l directory.Direct) (Content, error) {
	target := l.URL()
	data, header, err := f.get(ctx, target)
	if err != nil {
		return Content{}, err
	}
	if v := header.Get(DigestHeaderKey); v != "" {
		dgst, err := digest.Parse(v)
		if err != nil {
			return Content{}, errors.Join(errdefs.ErrDataLoss, fmt.Errorf("invalid digest header %q: %w", v, err))
		}
		if dgst.Algorithm().FromBytes(data) != dgst {
			return Content{}, errors.Join(errdefs.ErrDataLoss, fmt.Errorf("content from %s does not match digest %s", target, dgst))
		}
	}
	return Content{Source: target, Data: data}, nil
}

func (f *Fetcher) fetchSwarm(ctx context.Context, loc directory.ContentLocation, l directory.Swarm) (Content, error) {
	sources := f.swarmSources(ctx, loc, l)
	if len(sources) == 0 {
		return Content{}, errors.Join(errdefs.ErrUnavailable, fmt.Errorf("no providers found for %s", l.CID))
	}
	errs := []error{}
	for _, source := range sources {
		target := strings.TrimSuffix(source, "/") + BlobsPath + l.CID.String()
		data, _, err := f.get(ctx, target)
		if err == nil {
			err = store.VerifyCid(l.CID, data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
			continue
		}
		return Content{Source: target, Data: data}, nil
	}
	return Content{}, errors.Join(errs...)
}

// swarmSources lists the providers found through the router followed by the owning node.
func (f *Fetcher) swarmSources(ctx context.Context, loc directory.ContentLocation, l directory.Swarm) []string {
	sources := []string{}
	seen := map[string]struct{}{}
	add := func(source string) {
		if !strings.Contains(source, "://") {
			source = "http://" + source
		}
		source = strings.TrimSuffix(source, "/")
		if _, ok := seen[source]; ok {
			return
		}
		seen[source] = struct{}{}
		sources = append(sources, source)
	}

	if f.router != nil {
		resolveCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
		defer cancel()
		peerCh, err := f.router.Resolve(resolveCtx, l.CID.String(), f.resolveCount)
		if err != nil {
			f.log.Error(err, "could not resolve swarm providers", "cid", l.CID.String())
		} else {
		collect:
			for {
				select {
				case <-resolveCtx.Done():
					break collect
				case peer, ok := <-peerCh:
					if !ok {
						break collect
					}
					add(peer.String())
				}
			}
		}
	}
	if loc.NodeAddress != "" {
		add(loc.NodeAddress)
	}
	return sources
}

func (f *Fetcher) get(ctx context.Context, target string) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, errors.Join(errdefs.ErrInvalidArgument, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, errors.Join(errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, errors.Join(errdefs.ErrDataLoss, fmt.Errorf("%s responded with %s", target, resp.Status))
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, errors.Join(errdefs.ErrUnavailable, fmt.Errorf("%s responded with %s", target, resp.Status))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, nil, errors.Join(errdefs.ErrUnavailable, fmt.Errorf("could not read body from %s: %w", target, err))
	}
	if int64(len(data)) > f.maxSize {
		return nil, nil, errors.Join(errdefs.ErrUnavailable, fmt.Errorf("content from %s exceeds %d bytes", target, f.maxSize))
	}
	return data, resp.Header, nil
}
