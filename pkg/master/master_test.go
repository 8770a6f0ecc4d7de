package master

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"cdnmesh/pkg/api"
	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/liveness"
)

func newTestMaster(t *testing.T) (*Master, http.Handler, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker, err := liveness.NewTracker(liveness.WithClock(clk), liveness.WithHeartbeatInterval(10*time.Second))
	require.NoError(t, err)
	dir, err := directory.NewDirectory(tracker, directory.WithClock(clk))
	require.NoError(t, err)
	m, err := NewMaster(tracker, dir, WithClock(clk))
	require.NoError(t, err)
	return m, m.Server(":0").Handler, clk
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func fetchResults(t *testing.T, h http.Handler, target string) []api.Result {
	t.Helper()

	rw := do(t, h, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rw.Code)
	results := []api.Result{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &results))
	return results
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, h, _ := newTestMaster(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "register without address", method: http.MethodPost, target: api.RegisterPath, body: `{"name":"n"}`},
		{name: "heartbeat without address", method: http.MethodPost, target: api.HeartbeatPath, body: `{}`},
		{name: "malformed body", method: http.MethodPost, target: api.RegisterPath, body: `{`},
		{name: "mapping without file name", method: http.MethodPost, target: api.AddMappingPath, body: `{"contentType":"image/png","serverAddress":"http://a:4000"}`},
		{name: "mapping without content type", method: http.MethodPost, target: api.AddMappingPath, body: `{"fileName":"cat.png","serverAddress":"http://a:4000"}`},
		{name: "mapping without node", method: http.MethodPost, target: api.AddMappingPath, body: `{"contentType":"image/png","fileName":"cat.png"}`},
		{name: "mapping with bad locator", method: http.MethodPost, target: api.AddMappingPath, body: `{"contentType":"image/png","fileName":"cat.png","serverAddress":"http://a:4000","locator":{"kind":"swarm","cid":"nope"}}`},
		{name: "fetch without file name", method: http.MethodGet, target: api.FetchResultsPath, body: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rw := do(t, h, tt.method, tt.target, tt.body)
			require.Equal(t, http.StatusBadRequest, rw.Code)
		})
	}
}

func TestRegisterAddAndResolve(t *testing.T) {
	t.Parallel()

	_, h, _ := newTestMaster(t)

	rw := do(t, h, http.MethodPost, api.RegisterPath, `{"serverAddress":"http://localhost:4000","name":"n1"}`)
	require.Equal(t, http.StatusOK, rw.Code)
	rw = do(t, h, http.MethodPost, api.AddMappingPath, `{"contentType":"application/pdf","fileName":"report.pdf","serverAddress":"http://localhost:4000"}`)
	require.Equal(t, http.StatusOK, rw.Code)

	results := fetchResults(t, h, api.FetchResultsPath+"?fileName=report.pdf")
	require.Len(t, results, 1)
	require.Equal(t, "application/pdf", results[0].ContentType)
	require.Equal(t, "http://localhost:4000", results[0].Server)
	require.Equal(t, liveness.StatusAlive, results[0].Status)
	require.Equal(t, directory.KindDirect, results[0].Locator.Kind)
	require.Equal(t, "http://localhost:4000/giveFile?contentType=application%2Fpdf&fileName=report.pdf", results[0].Locator.URL)
}

func TestFetchUnknownFileReturnsEmptyList(t *testing.T) {
	t.Parallel()

	_, h, _ := newTestMaster(t)

	rw := do(t, h, http.MethodGet, api.FetchResultsPath+"?fileName=nonexistent.bin", "")
	require.Equal(t, http.StatusOK, rw.Code)
	require.JSONEq(t, `[]`, rw.Body.String())
}

func TestDeadNodeHiddenAfterSweep(t *testing.T) {
	t.Parallel()

	m, h, clk := newTestMaster(t)

	do(t, h, http.MethodPost, api.RegisterPath, `{"serverAddress":"http://x:4000"}`)
	do(t, h, http.MethodPost, api.RegisterPath, `{"serverAddress":"http://y:4000"}`)
	do(t, h, http.MethodPost, api.AddMappingPath, `{"contentType":"image/png","fileName":"cat.png","serverAddress":"http://x:4000"}`)
	do(t, h, http.MethodPost, api.AddMappingPath, `{"contentType":"image/png","fileName":"cat.png","serverAddress":"http://y:4000"}`)

	for range 4 {
		clk.Add(10 * time.Second)
		rw := do(t, h, http.MethodPost, api.HeartbeatPath, `{"serverAddress":"http://y:4000"}`)
		require.Equal(t, http.StatusOK, rw.Code)
	}

	evictions := m.Sweep()
	require.Len(t, evictions, 1)
	require.Equal(t, "http://x:4000", evictions[0].Address)
	require.Equal(t, 1, evictions[0].Locations)
	require.Empty(t, m.Sweep())

	results := fetchResults(t, h, api.FetchResultsPath+"?fileName=cat.png")
	require.Len(t, results, 1)
	require.Equal(t, "http://y:4000", results[0].Server)

	rw := do(t, h, http.MethodGet, "/evictions", "")
	require.Equal(t, http.StatusOK, rw.Code)
	history := []directory.Eviction{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &history))
	require.Len(t, history, 1)
	require.Equal(t, "http://x:4000", history[0].Address)
}

func TestSwarmLocatorSurvivesDeadNode(t *testing.T) {
	t.Parallel()

	_, h, clk := newTestMaster(t)

	body := `{"contentType":"video/mp4","fileName":"clip.mp4","serverAddress":"http://z:4000","locator":{"kind":"swarm","cid":"bafkreifzjut3te2nhyekklss27nh3k72ysco7y32koao5eei66wof36n5e"}}`
	rw := do(t, h, http.MethodPost, api.AddMappingPath, body)
	require.Equal(t, http.StatusOK, rw.Code)

	clk.Add(time.Minute)
	results := fetchResults(t, h, api.FetchResultsPath+"?fileName=clip.mp4")
	require.Len(t, results, 1)
	require.Equal(t, liveness.StatusDead, results[0].Status)
	require.Equal(t, directory.KindSwarm, results[0].Locator.Kind)
	require.Equal(t, "bafkreifzjut3te2nhyekklss27nh3k72ysco7y32koao5eei66wof36n5e", results[0].Locator.CID)
}

func TestImplicitHeartbeatRegistersNode(t *testing.T) {
	t.Parallel()

	_, h, _ := newTestMaster(t)

	rw := do(t, h, http.MethodPost, api.HeartbeatPath, `{"serverAddress":"http://new:4000"}`)
	require.Equal(t, http.StatusOK, rw.Code)

	rw = do(t, h, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusOK, rw.Code)
	nodes := []liveness.NodeRecord{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	require.Equal(t, "http://new:4000", nodes[0].Address)
	require.True(t, nodes[0].Implicit)
	require.Equal(t, liveness.StatusAlive, nodes[0].Status)
}

func TestContentTypeFilter(t *testing.T) {
	t.Parallel()

	_, h, _ := newTestMaster(t)

	do(t, h, http.MethodPost, api.AddMappingPath, `{"contentType":"image/png","fileName":"logo","serverAddress":"http://a:4000"}`)
	do(t, h, http.MethodPost, api.AddMappingPath, `{"contentType":"image/svg+xml","fileName":"logo","serverAddress":"http://a:4000"}`)

	require.Len(t, fetchResults(t, h, api.FetchResultsPath+"?fileName=logo"), 2)
	results := fetchResults(t, h, api.FetchResultsPath+"?fileName=logo&contentType=image%2Fsvg%2Bxml")
	require.Len(t, results, 1)
	require.Equal(t, "image/svg+xml", results[0].ContentType)
}
