package routing

import (
	"context"
	"net/netip"

	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// Router implements the discovery of content.
type Router interface {
	// Ready returns true when the router is ready.
	Ready(ctx context.Context) (bool, error)
	// Resolve asynchronously discovers the HTTP addresses of nodes that can serve the content
	// defined by the given key.
	Resolve(ctx context.Context, key string, count int) (<-chan netip.AddrPort, error)
	// Advertise broadcasts that the current node can serve the content.
	Advertise(ctx context.Context, keys []string) error
}

// KeyCid returns the content identifier a key is routed under. Keys that already are content
// identifiers are used as is, any other key is hashed into a raw codec identifier.
func KeyCid(key string) (cid.Cid, error) {
	if c, err := cid.Decode(key); err == nil {
		return c, nil
	}
	return createCid(key)
}

func createCid(key string) (cid.Cid, error) {
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum([]byte(key))
	if err != nil {
		return cid.Cid{}, err
	}
	return c, nil
}
