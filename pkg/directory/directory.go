package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"cdnmesh/pkg/liveness"
)

const DefaultEvictionHistory = 1024

// ContentLocation is one node's claim to host a file.
type ContentLocation struct {
	ContentType string
	FileName    string
	NodeAddress string
	Locator     Locator
	AddedAt     time.Time
	// Status is the liveness of NodeAddress at resolution time.
	Status liveness.Status
}

// Eviction records a node observed as dead by the sweep. Its locations are kept but hidden.
type Eviction struct {
	Address   string    `json:"address"`
	At        time.Time `json:"at"`
	Locations int       `json:"locations"`
}

type locationKey struct {
	contentType string
	nodeAddress string
}

// bucket holds every location advertised under one file name.
type bucket struct {
	mu      sync.RWMutex
	entries map[locationKey]*ContentLocation
}

// nodeIndex holds the keys advertised by one node.
type nodeIndex struct {
	mu   sync.Mutex
	keys map[string]map[string]struct{} // fileName -> contentTypes
}

type DirectoryConfig struct {
	Clock           clock.Clock
	Log             logr.Logger
	EvictionHistory int
}

func (cfg *DirectoryConfig) Apply(opts ...DirectoryOption) error {
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

type DirectoryOption func(cfg *DirectoryConfig) error

func WithClock(c clock.Clock) DirectoryOption {
	return func(cfg *DirectoryConfig) error {
		cfg.Clock = c
		return nil
	}
}

func WithLogger(log logr.Logger) DirectoryOption {
	return func(cfg *DirectoryConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithEvictionHistory(size int) DirectoryOption {
	return func(cfg *DirectoryConfig) error {
		if size <= 0 {
			return fmt.Errorf("eviction history must be positive, got %d", size)
		}
		cfg.EvictionHistory = size
		return nil
	}
}

// Directory maps (contentType, fileName) to the locations that claim to host it.
type Directory struct {
	tracker   *liveness.Tracker
	clock     clock.Clock
	log       logr.Logger
	files     sync.Map // fileName -> *bucket
	nodes     sync.Map // nodeAddress -> *nodeIndex
	evictions *lru.Cache[string, Eviction]
}

func NewDirectory(tracker *liveness.Tracker, opts ...DirectoryOption) (*Directory, error) {
	if tracker == nil {
		return nil, errors.New("liveness tracker is required")
	}
	cfg := DirectoryConfig{
		Clock:           clock.New(),
		Log:             logr.Discard(),
		EvictionHistory: DefaultEvictionHistory,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	evictions, err := lru.New[string, Eviction](cfg.EvictionHistory)
	if err != nil {
		return nil, err
	}
	return &Directory{
		tracker:   tracker,
		clock:     cfg.Clock,
		log:       cfg.Log,
		evictions: evictions,
	}, nil
}

// AddMapping upserts the location of a file on a node. Unknown nodes are registered on first contact.
func (d *Directory) AddMapping(contentType, fileName, nodeAddress string, loc Locator) error {
	missing := []string{}
	if contentType == "" {
		missing = append(missing, "contentType")
	}
	if fileName == "" {
		missing = append(missing, "fileName")
	}
	if nodeAddress == "" {
		missing = append(missing, "serverAddress")
	}
	if len(missing) > 0 {
		return errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("missing required fields %v", missing))
	}
	if err := validateLocator(loc); err != nil {
		return errors.Join(errdefs.ErrInvalidArgument, err)
	}

	if d.tracker.Ensure(nodeAddress) {
		d.log.Info("mapping from unregistered node, registering implicitly", "address", nodeAddress)
	}

	now := d.clock.Now()
	v, _ := d.files.LoadOrStore(fileName, &bucket{entries: map[locationKey]*ContentLocation{}})
	b := v.(*bucket)
	key := locationKey{contentType: contentType, nodeAddress: nodeAddress}
	b.mu.Lock()
	b.entries[key] = &ContentLocation{
		ContentType: contentType,
		FileName:    fileName,
		NodeAddress: nodeAddress,
		Locator:     loc,
		AddedAt:     now,
	}
	b.mu.Unlock()

	v, _ = d.nodes.LoadOrStore(nodeAddress, &nodeIndex{keys: map[string]map[string]struct{}{}})
	idx := v.(*nodeIndex)
	idx.mu.Lock()
	if _, ok := idx.keys[fileName]; !ok {
		idx.keys[fileName] = map[string]struct{}{}
	}
	idx.keys[fileName][contentType] = struct{}{}
	idx.mu.Unlock()

	d.log.V(4).Info("added mapping", "contentType", contentType, "fileName", fileName, "node", nodeAddress, "locator", loc.Kind())
	return nil
}

// Resolve returns the visible locations of fileName, optionally restricted to one content type.
// Locations of dead nodes are hidden unless they are swarm addressed. Results are ordered by
// liveness first and then by recency.
func (d *Directory) Resolve(fileName, contentType string) []ContentLocation {
	v, ok := d.files.Load(fileName)
	if !ok {
		return []ContentLocation{}
	}
	b := v.(*bucket)

	b.mu.RLock()
	candidates := make([]ContentLocation, 0, len(b.entries))
	for key, loc := range b.entries {
		if contentType != "" && key.contentType != contentType {
			continue
		}
		candidates = append(candidates, *loc)
	}
	b.mu.RUnlock()

	visible := make([]ContentLocation, 0, len(candidates))
	for _, loc := range candidates {
		loc.Status = d.tracker.Status(loc.NodeAddress)
		alive := loc.Status == liveness.StatusAlive || loc.Status == liveness.StatusStale
		if !alive && loc.Locator.Kind() != KindSwarm {
			continue
		}
		visible = append(visible, loc)
	}
	sort.Slice(visible, func(i, j int) bool {
		a, b := visible[i], visible[j]
		if a.Status.Rank() != b.Status.Rank() {
			return a.Status.Rank() < b.Status.Rank()
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.After(b.AddedAt)
		}
		if a.NodeAddress != b.NodeAddress {
			return a.NodeAddress < b.NodeAddress
		}
		return a.ContentType < b.ContentType
	})
	return dedupeSwarm(visible)
}

// dedupeSwarm keeps the first occurrence of every swarm content identifier.
func dedupeSwarm(locs []ContentLocation) []ContentLocation {
	seen := map[string]struct{}{}
	out := locs[:0]
	for _, loc := range locs {
		if s, ok := loc.Locator.(Swarm); ok {
			if _, dup := seen[s.CID.KeyString()]; dup {
				continue
			}
			seen[s.CID.KeyString()] = struct{}{}
		}
		out = append(out, loc)
	}
	return out
}

// RemoveNode is the eviction hook driven by the sweep. Locations are retained for history and
// stay invisible to Resolve for as long as the node is dead.
func (d *Directory) RemoveNode(address string) Eviction {
	ev := Eviction{
		Address:   address,
		At:        d.clock.Now(),
		Locations: d.countLocations(address),
	}
	d.evictions.Add(address, ev)
	d.log.Info("evicted dead node", "address", address, "locations", ev.Locations)
	return ev
}

func (d *Directory) countLocations(address string) int {
	v, ok := d.nodes.Load(address)
	if !ok {
		return 0
	}
	idx := v.(*nodeIndex)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	count := 0
	for _, contentTypes := range idx.keys {
		count += len(contentTypes)
	}
	return count
}

// Evictions returns the retained eviction history, newest first.
func (d *Directory) Evictions() []Eviction {
	evictions := d.evictions.Values()
	sort.Slice(evictions, func(i, j int) bool {
		return evictions[i].At.After(evictions[j].At)
	})
	return evictions
}
