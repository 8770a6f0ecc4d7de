package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-logr/logr"

	"cdnmesh/pkg/api"
	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/liveness"
	"cdnmesh/pkg/metrics"
	"cdnmesh/pkg/mux"
)

const maxRequestBody = 1 << 20

type MasterConfig struct {
	Clock         clock.Clock
	Log           logr.Logger
	SweepInterval time.Duration
}

func (cfg *MasterConfig) Apply(opts ...MasterOption) error {
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

type MasterOption func(cfg *MasterConfig) error

func WithClock(c clock.Clock) MasterOption {
	return func(cfg *MasterConfig) error {
		cfg.Clock = c
		return nil
	}
}

func WithLogger(log logr.Logger) MasterOption {
	return func(cfg *MasterConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithSweepInterval(d time.Duration) MasterOption {
	return func(cfg *MasterConfig) error {
		if d <= 0 {
			return fmt.Errorf("sweep interval must be positive, got %s", d)
		}
		cfg.SweepInterval = d
		return nil
	}
}

// Master is the directory service. It exposes the tracker and directory over HTTP and ages
// out nodes that stop sending heartbeats.
type Master struct {
	tracker       *liveness.Tracker
	directory     *directory.Directory
	clock         clock.Clock
	log           logr.Logger
	sweepInterval time.Duration
}

func NewMaster(tracker *liveness.Tracker, dir *directory.Directory, opts ...MasterOption) (*Master, error) {
	if tracker == nil || dir == nil {
		return nil, errors.New("tracker and directory are required")
	}
	cfg := MasterConfig{
		Clock: clock.New(),
		Log:   logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = tracker.HeartbeatInterval()
	}
	return &Master{
		tracker:       tracker,
		directory:     dir,
		clock:         cfg.Clock,
		log:           cfg.Log,
		sweepInterval: cfg.SweepInterval,
	}, nil
}

func (m *Master) Server(addr string) *http.Server {
	m.log.Info("starting directory service", "addr", addr)
	sm := mux.NewServeMux(m.log)
	sm.Handle("GET /healthz", m.readyHandler)
	sm.Handle("POST "+api.RegisterPath, mux.InflightHandler("register", m.registerHandler))
	sm.Handle("POST "+api.HeartbeatPath, mux.InflightHandler("heartbeat", m.heartbeatHandler))
	sm.Handle("POST "+api.AddMappingPath, mux.InflightHandler("add-mapping", m.addMappingHandler))
	sm.Handle("GET "+api.FetchResultsPath, mux.InflightHandler("fetch-results", m.fetchResultsHandler))
	sm.Handle("GET /nodes", m.nodesHandler)
	sm.Handle("GET /evictions", m.evictionsHandler)
	return &http.Server{
		Addr:    addr,
		Handler: sm,
	}
}

// Run sweeps the tracker every interval until the context is cancelled.
func (m *Master) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts every node that became dead since the last sweep and refreshes the status gauges.
func (m *Master) Sweep() []directory.Eviction {
	evictions := []directory.Eviction{}
	for _, address := range m.tracker.Sweep() {
		evictions = append(evictions, m.directory.RemoveNode(address))
		metrics.EvictionsTotal.Inc()
	}

	counts := map[liveness.Status]int{}
	for _, node := range m.tracker.Nodes() {
		counts[node.Status]++
	}
	for _, status := range []liveness.Status{liveness.StatusAlive, liveness.StatusStale, liveness.StatusDead} {
		metrics.NodesByStatus.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
	return evictions
}

func (m *Master) readyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("ready")
	rw.WriteHeader(http.StatusOK)
}

func (m *Master) registerHandler(rw mux.ResponseWriter, req *http.Request) {
	body := api.RegisterRequest{}
	if err := decodeBody(rw, req, &body); err != nil {
		writeError(rw, err)
		return
	}
	if body.ServerAddress == "" {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, errors.New("serverAddress is required")))
		return
	}
	m.tracker.Register(body.ServerAddress, body.Name)
	metrics.RegistrationsTotal.WithLabelValues("explicit").Inc()
	m.log.Info("registered node", "address", body.ServerAddress, "name", body.Name)
	rw.WriteHeader(http.StatusOK)
}

func (m *Master) heartbeatHandler(rw mux.ResponseWriter, req *http.Request) {
	body := api.HeartbeatRequest{}
	if err := decodeBody(rw, req, &body); err != nil {
		writeError(rw, err)
		return
	}
	if body.ServerAddress == "" {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, errors.New("serverAddress is required")))
		return
	}
	kind := "registered"
	if m.tracker.Heartbeat(body.ServerAddress) {
		kind = "implicit"
		metrics.RegistrationsTotal.WithLabelValues("implicit").Inc()
	}
	metrics.HeartbeatsTotal.WithLabelValues(kind).Inc()
	m.log.V(4).Info("heartbeat", "address", body.ServerAddress, "kind", kind)
	rw.WriteHeader(http.StatusOK)
}

func (m *Master) addMappingHandler(rw mux.ResponseWriter, req *http.Request) {
	body := api.AddMappingRequest{}
	if err := decodeBody(rw, req, &body); err != nil {
		writeError(rw, err)
		return
	}

	var loc directory.Locator
	if body.Locator != nil {
		var err error
		loc, err = body.Locator.ToDomain()
		if err != nil {
			writeError(rw, err)
			return
		}
	} else if body.ServerAddress != "" {
		loc = directory.NewDirect(body.ServerAddress, body.ContentType, body.FileName)
	}

	err := m.directory.AddMapping(body.ContentType, body.FileName, body.ServerAddress, loc)
	if err != nil {
		writeError(rw, err)
		return
	}
	metrics.MappingsTotal.WithLabelValues(string(loc.Kind())).Inc()
	rw.WriteHeader(http.StatusOK)
}

func (m *Master) fetchResultsHandler(rw mux.ResponseWriter, req *http.Request) {
	fileName := req.URL.Query().Get("fileName")
	if fileName == "" {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, errors.New("fileName is required")))
		return
	}
	start := time.Now()
	locs := m.directory.Resolve(fileName, req.URL.Query().Get("contentType"))
	metrics.ResolveDurHistogram.WithLabelValues("directory").Observe(time.Since(start).Seconds())
	metrics.ResolveCandidates.Observe(float64(len(locs)))
	m.log.V(4).Info("resolved file", "fileName", fileName, "candidates", len(locs))
	writeJSON(rw, api.FromLocations(locs))
}

func (m *Master) nodesHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("nodes")
	writeJSON(rw, m.tracker.Nodes())
}

func (m *Master) evictionsHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("evictions")
	writeJSON(rw, m.directory.Evictions())
}

func decodeBody(rw http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, req.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("could not decode request body: %w", err))
	}
	return nil
}

func writeJSON(rw mux.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, err)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(b)
}

func writeError(rw mux.ResponseWriter, err error) {
	rw.WriteError(errhttp.ToHTTP(err), err)
}
