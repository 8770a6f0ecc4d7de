// Package api holds the JSON payloads exchanged between nodes, clients and the directory service.
package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	cid "github.com/ipfs/go-cid"

	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/liveness"
)

const (
	RegisterPath     = "/registerServer"
	HeartbeatPath    = "/heartbeat"
	AddMappingPath   = "/addMapping"
	FetchResultsPath = "/fetchResults"
)

type RegisterRequest struct {
	ServerAddress string `json:"serverAddress"`
	Name          string `json:"name,omitempty"`
}

type HeartbeatRequest struct {
	ServerAddress string `json:"serverAddress"`
}

type AddMappingRequest struct {
	ContentType   string   `json:"contentType"`
	FileName      string   `json:"fileName"`
	ServerAddress string   `json:"serverAddress"`
	Locator       *Locator `json:"locator,omitempty"`
}

// Locator is the wire form of directory.Locator.
type Locator struct {
	Kind    directory.LocatorKind `json:"kind"`
	Address string                `json:"address,omitempty"`
	Path    string                `json:"path,omitempty"`
	URL     string                `json:"url,omitempty"`
	CID     string                `json:"cid,omitempty"`
}

// Result is one entry of a fetchResults response.
type Result struct {
	ContentType string          `json:"contentType"`
	FileName    string          `json:"fileName"`
	Server      string          `json:"server"`
	Locator     Locator         `json:"locator"`
	Status      liveness.Status `json:"status"`
	AddedAt     time.Time       `json:"addedAt"`
}

type UploadResponse struct {
	ContentType string  `json:"contentType"`
	FileName    string  `json:"fileName"`
	Digest      string  `json:"digest"`
	Size        int64   `json:"size"`
	Locator     Locator `json:"locator"`
}

func FromLocator(loc directory.Locator) Locator {
	switch l := loc.(type) {
	case directory.Direct:
		return Locator{
			Kind:    directory.KindDirect,
			Address: l.Address,
			Path:    l.Path,
			URL:     l.URL(),
		}
	case directory.Swarm:
		return Locator{
			Kind: directory.KindSwarm,
			CID:  l.CID.String(),
		}
	default:
		return Locator{}
	}
}

// ToDomain converts the wire locator, rejecting unknown kinds and malformed identifiers.
func (l Locator) ToDomain() (directory.Locator, error) {
	switch l.Kind {
	case directory.KindDirect:
		if l.Address == "" {
			return nil, errors.Join(errdefs.ErrInvalidArgument, errors.New("direct locator requires an address"))
		}
		return directory.Direct{Address: l.Address, Path: l.Path}, nil
	case directory.KindSwarm:
		c, err := cid.Decode(l.CID)
		if err != nil {
			return nil, errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("invalid swarm locator %q: %w", l.CID, err))
		}
		return directory.Swarm{CID: c}, nil
	default:
		return nil, errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("unknown locator kind %q", l.Kind))
	}
}

func FromLocation(loc directory.ContentLocation) Result {
	return Result{
		ContentType: loc.ContentType,
		FileName:    loc.FileName,
		Server:      loc.NodeAddress,
		Locator:     FromLocator(loc.Locator),
		Status:      loc.Status,
		AddedAt:     loc.AddedAt,
	}
}

func FromLocations(locs []directory.ContentLocation) []Result {
	results := make([]Result, 0, len(locs))
	for _, loc := range locs {
		results = append(results, FromLocation(loc))
	}
	return results
}

// ToLocation converts a result back into a content location for the fetch orchestrator.
func (r Result) ToLocation() (directory.ContentLocation, error) {
	loc, err := r.Locator.ToDomain()
	if err != nil {
		return directory.ContentLocation{}, err
	}
	return directory.ContentLocation{
		ContentType: r.ContentType,
		FileName:    r.FileName,
		NodeAddress: r.Server,
		Locator:     loc,
		AddedAt:     r.AddedAt,
		Status:      r.Status,
	}, nil
}
