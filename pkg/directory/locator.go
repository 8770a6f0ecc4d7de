package directory

import (
	"fmt"
	"net/url"
	"strings"

	cid "github.com/ipfs/go-cid"
)

type LocatorKind string

const (
	KindDirect LocatorKind = "direct"
	KindSwarm  LocatorKind = "swarm"
)

// Locator references the bytes of a file. Direct locators depend on the owning node being
// reachable, swarm locators can be served by any provider of the content identifier.
type Locator interface {
	Kind() LocatorKind
	String() string
	isLocator()
}

var (
	_ Locator = Direct{}
	_ Locator = Swarm{}
)

// Direct points at the raw transfer endpoint of the owning node.
type Direct struct {
	// Address is the base URL of the node, for example http://10.0.0.1:4000.
	Address string
	// Path is the request path including the query, for example /giveFile?contentType=...
	Path string
}

func (Direct) Kind() LocatorKind {
	return KindDirect
}

func (d Direct) String() string {
	return d.URL()
}

func (Direct) isLocator() {}

// URL joins the node address and path, defaulting to http when the address has no scheme.
func (d Direct) URL() string {
	base := strings.TrimSuffix(d.Address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	p := d.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

// NewDirect builds the direct locator for a file served by the giveFile endpoint of a node.
func NewDirect(address, contentType, fileName string) Direct {
	q := url.Values{}
	q.Set("contentType", contentType)
	q.Set("fileName", fileName)
	return Direct{
		Address: address,
		Path:    "/giveFile?" + q.Encode(),
	}
}

// Swarm is a content addressed reference resolvable through the peer swarm.
type Swarm struct {
	CID cid.Cid
}

func (Swarm) Kind() LocatorKind {
	return KindSwarm
}

func (s Swarm) String() string {
	return s.CID.String()
}

func (Swarm) isLocator() {}

func validateLocator(loc Locator) error {
	switch l := loc.(type) {
	case Direct:
		if l.Address == "" {
			return fmt.Errorf("direct locator requires an address")
		}
	case Swarm:
		if !l.CID.Defined() {
			return fmt.Errorf("swarm locator requires a content identifier")
		}
	case nil:
		return fmt.Errorf("locator is required")
	default:
		return fmt.Errorf("unknown locator type %T", loc)
	}
	return nil
}
