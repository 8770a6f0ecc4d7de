package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/liveness"
)

func TestResultJSON(t *testing.T) {
	t.Parallel()

	loc := directory.ContentLocation{
		ContentType: "application/pdf",
		FileName:    "report.pdf",
		NodeAddress: "http://localhost:4000",
		Locator:     directory.NewDirect("http://localhost:4000", "application/pdf", "report.pdf"),
		AddedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:      liveness.StatusStale,
	}
	b, err := json.Marshal(FromLocations([]directory.ContentLocation{loc}))
	require.NoError(t, err)
	expected := `[{"contentType":"application/pdf","fileName":"report.pdf","server":"http://localhost:4000","locator":{"kind":"direct","address":"http://localhost:4000","path":"/giveFile?contentType=application%2Fpdf&fileName=report.pdf","url":"http://localhost:4000/giveFile?contentType=application%2Fpdf&fileName=report.pdf"},"status":"STALE","addedAt":"2024-01-02T03:04:05Z"}]`
	require.JSONEq(t, expected, string(b))

	results := []Result{}
	require.NoError(t, json.Unmarshal(b, &results))
	require.Len(t, results, 1)
	got, err := results[0].ToLocation()
	require.NoError(t, err)
	require.Equal(t, loc, got)
}

func TestSwarmLocator(t *testing.T) {
	t.Parallel()

	pref := cid.Prefix{Version: 1, Codec: uint64(mc.Raw), MhType: mh.SHA2_256, MhLength: -1}
	c, err := pref.Sum([]byte("hello"))
	require.NoError(t, err)

	wire := FromLocator(directory.Swarm{CID: c})
	require.Equal(t, directory.KindSwarm, wire.Kind)
	require.Equal(t, c.String(), wire.CID)
	loc, err := wire.ToDomain()
	require.NoError(t, err)
	require.Equal(t, directory.Swarm{CID: c}, loc)
}

func TestInvalidLocators(t *testing.T) {
	t.Parallel()

	for _, l := range []Locator{
		{},
		{Kind: "torrent"},
		{Kind: directory.KindDirect},
		{Kind: directory.KindSwarm, CID: "not-a-cid"},
	} {
		_, err := l.ToDomain()
		require.Error(t, err)
		require.True(t, errdefs.IsInvalidArgument(err))
	}
}
