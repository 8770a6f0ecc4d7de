package liveness

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultMissedHeartbeats is the number of intervals without a heartbeat after which a node is dead.
	DefaultMissedHeartbeats = 3
)

// Status is the liveness of a node. It is always derived from the last heartbeat and never stored.
type Status int

const (
	StatusUnknown Status = iota
	StatusAlive
	StatusStale
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "ALIVE"
	case StatusStale:
		return "STALE"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Rank orders statuses by freshness, lower is fresher. Unknown ranks after dead.
func (s Status) Rank() int {
	switch s {
	case StatusAlive:
		return 0
	case StatusStale:
		return 1
	case StatusDead:
		return 2
	default:
		return 3
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ALIVE":
		*s = StatusAlive
	case "STALE":
		*s = StatusStale
	case "DEAD":
		*s = StatusDead
	default:
		*s = StatusUnknown
	}
	return nil
}

// NodeRecord is a point in time copy of a registered node.
type NodeRecord struct {
	Address         string    `json:"address"`
	Label           string    `json:"label"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Implicit        bool      `json:"implicit"`
	Status          Status    `json:"status"`
}

type record struct {
	mu            sync.Mutex
	label         string
	registeredAt  time.Time
	lastHeartbeat time.Time
	implicit      bool
	deadReported  bool
}

type TrackerConfig struct {
	Clock             clock.Clock
	Log               logr.Logger
	HeartbeatInterval time.Duration
	DeadTimeout       time.Duration
}

func (cfg *TrackerConfig) Apply(opts ...TrackerOption) error {
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

type TrackerOption func(cfg *TrackerConfig) error

func WithClock(c clock.Clock) TrackerOption {
	return func(cfg *TrackerConfig) error {
		cfg.Clock = c
		return nil
	}
}

func WithLogger(log logr.Logger) TrackerOption {
	return func(cfg *TrackerConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithHeartbeatInterval(d time.Duration) TrackerOption {
	return func(cfg *TrackerConfig) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat interval must be positive, got %s", d)
		}
		cfg.HeartbeatInterval = d
		return nil
	}
}

func WithDeadTimeout(d time.Duration) TrackerOption {
	return func(cfg *TrackerConfig) error {
		if d <= 0 {
			return fmt.Errorf("dead timeout must be positive, got %s", d)
		}
		cfg.DeadTimeout = d
		return nil
	}
}

// Tracker keeps the set of registered nodes. Each record has its own lock so heartbeats
// from different nodes never contend with each other.
type Tracker struct {
	clock    clock.Clock
	log      logr.Logger
	interval time.Duration
	timeout  time.Duration
	nodes    sync.Map // address -> *record
}

func NewTracker(opts ...TrackerOption) (*Tracker, error) {
	cfg := TrackerConfig{
		Clock:             clock.New(),
		Log:               logr.Discard(),
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.DeadTimeout == 0 {
		cfg.DeadTimeout = DefaultMissedHeartbeats * cfg.HeartbeatInterval
	}
	if cfg.DeadTimeout < cfg.HeartbeatInterval {
		return nil, fmt.Errorf("dead timeout %s is shorter than heartbeat interval %s", cfg.DeadTimeout, cfg.HeartbeatInterval)
	}
	return &Tracker{
		clock:    cfg.Clock,
		log:      cfg.Log,
		interval: cfg.HeartbeatInterval,
		timeout:  cfg.DeadTimeout,
	}, nil
}

func (t *Tracker) HeartbeatInterval() time.Duration {
	return t.interval
}

func (t *Tracker) DeadTimeout() time.Duration {
	return t.timeout
}

// load returns the record for address, creating an empty one when absent.
func (t *Tracker) load(address string) (*record, bool) {
	if v, ok := t.nodes.Load(address); ok {
		return v.(*record), false
	}
	v, loaded := t.nodes.LoadOrStore(address, &record{})
	return v.(*record), !loaded
}

// Register upserts a node. Registering an existing address refreshes its label and registration time.
func (t *Tracker) Register(address, label string) {
	if label == "" {
		label = address
	}
	rec, created := t.load(address)
	now := t.clock.Now()

	rec.mu.Lock()
	rec.label = label
	rec.registeredAt = now
	rec.lastHeartbeat = now
	rec.implicit = false
	rec.deadReported = false
	rec.mu.Unlock()

	t.log.V(4).Info("registered node", "address", address, "label", label, "new", created)
}

// Heartbeat refreshes the last heartbeat of a node. A node that was never registered is
// registered on first contact and implicit is returned as true.
func (t *Tracker) Heartbeat(address string) (implicit bool) {
	rec, created := t.load(address)
	now := t.clock.Now()

	rec.mu.Lock()
	if rec.registeredAt.IsZero() {
		rec.label = address
		rec.registeredAt = now
		rec.implicit = true
		implicit = true
	}
	rec.lastHeartbeat = now
	rec.deadReported = false
	rec.mu.Unlock()

	if created {
		t.log.Info("heartbeat from unregistered node, registering implicitly", "address", address)
	}
	return implicit
}

// Ensure registers a minimal record for address if it has never been seen.
// It does not refresh the heartbeat of a known node.
func (t *Tracker) Ensure(address string) (created bool) {
	rec, _ := t.load(address)
	now := t.clock.Now()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.registeredAt.IsZero() {
		return false
	}
	rec.label = address
	rec.registeredAt = now
	rec.lastHeartbeat = now
	rec.implicit = true
	return true
}

// Status returns the derived liveness of a node.
func (t *Tracker) Status(address string) Status {
	v, ok := t.nodes.Load(address)
	if !ok {
		return StatusUnknown
	}
	rec := v.(*record)
	rec.mu.Lock()
	last := rec.lastHeartbeat
	rec.mu.Unlock()
	return t.derive(last, t.clock.Now())
}

func (t *Tracker) derive(last, now time.Time) Status {
	if last.IsZero() {
		return StatusUnknown
	}
	age := now.Sub(last)
	switch {
	case age <= t.interval:
		return StatusAlive
	case age <= t.timeout:
		return StatusStale
	default:
		return StatusDead
	}
}

// Get returns a copy of the record for address.
func (t *Tracker) Get(address string) (NodeRecord, bool) {
	v, ok := t.nodes.Load(address)
	if !ok {
		return NodeRecord{}, false
	}
	return t.snapshot(address, v.(*record), t.clock.Now()), true
}

func (t *Tracker) snapshot(address string, rec *record, now time.Time) NodeRecord {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return NodeRecord{
		Address:         address,
		Label:           rec.label,
		RegisteredAt:    rec.registeredAt,
		LastHeartbeatAt: rec.lastHeartbeat,
		Implicit:        rec.implicit,
		Status:          t.derive(rec.lastHeartbeat, now),
	}
}

// Nodes returns every known node ordered by address.
func (t *Tracker) Nodes() []NodeRecord {
	now := t.clock.Now()
	nodes := []NodeRecord{}
	t.nodes.Range(func(key, value any) bool {
		nodes = append(nodes, t.snapshot(key.(string), value.(*record), now))
		return true
	})
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Address < nodes[j].Address
	})
	return nodes
}

// Sweep returns the addresses that became dead since they were last reported. Records are
// never deleted, a later heartbeat makes the node alive again and re-arms the report.
func (t *Tracker) Sweep() []string {
	now := t.clock.Now()
	dead := []string{}
	t.nodes.Range(func(key, value any) bool {
		rec := value.(*record)
		rec.mu.Lock()
		if !rec.deadReported && t.derive(rec.lastHeartbeat, now) == StatusDead {
			rec.deadReported = true
			dead = append(dead, key.(string))
		}
		rec.mu.Unlock()
		return true
	})
	sort.Strings(dead)
	return dead
}
