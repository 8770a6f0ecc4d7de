package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/containerd/errdefs"
	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"cdnmesh/pkg/api"
	"cdnmesh/pkg/dirclient"
	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/fetch"
	"cdnmesh/pkg/liveness"
	"cdnmesh/pkg/master"
	"cdnmesh/pkg/routing"
	"cdnmesh/pkg/store"
)

var pdfContent = []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\n")

type fakeDirectory struct {
	mu           sync.Mutex
	registerErr  error
	mappingErr   error
	fetchErr     error
	mappingDelay time.Duration
	registers    int
	heartbeats   int
	mappings     []api.AddMappingRequest
	results      []api.Result
}

func (f *fakeDirectory) Register(ctx context.Context, address, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	return f.registerErr
}

func (f *fakeDirectory) Heartbeat(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeDirectory) AddMapping(ctx context.Context, req api.AddMappingRequest) error {
	if f.mappingDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.mappingDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mappingErr != nil {
		return f.mappingErr
	}
	f.mappings = append(f.mappings, req)
	return nil
}

func (f *fakeDirectory) FetchResults(ctx context.Context, fileName, contentType string) ([]api.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results, f.fetchErr
}

func (f *fakeDirectory) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.heartbeats, len(f.mappings)
}

type testNode struct {
	agent     *Agent
	srv       *httptest.Server
	fs        afero.Fs
	catalogue *store.Catalogue
}

func newTestNode(t *testing.T, dir DirectoryClient, opts ...AgentOption) *testNode {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		handler.ServeHTTP(rw, req)
	}))
	t.Cleanup(srv.Close)

	fs := afero.NewMemMapFs()
	st, err := store.NewStore(fs, "/data")
	require.NoError(t, err)
	cat, err := store.OpenCatalogue(filepath.Join(t.TempDir(), "catalogue.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		cat.Close()
	})
	a, err := NewAgent(srv.URL, dir, st, cat, opts...)
	require.NoError(t, err)
	handler = a.Server(":0").Handler
	return &testNode{
		agent:     a,
		srv:       srv,
		fs:        fs,
		catalogue: cat,
	}
}

func upload(t *testing.T, url, fileName string, content []byte) *http.Response {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("comment", "ignored"))
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/upload", mw.FormDataContentType(), body)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
	})
	return resp
}

func get(t *testing.T, target string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestUploadDirect(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	node := newTestNode(t, dir)

	resp := upload(t, node.srv.URL, "report.pdf", pdfContent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	uploaded := api.UploadResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	require.Equal(t, "application/pdf", uploaded.ContentType)
	require.Equal(t, "report.pdf", uploaded.FileName)
	require.Equal(t, digest.FromBytes(pdfContent).String(), uploaded.Digest)
	require.Equal(t, directory.KindDirect, uploaded.Locator.Kind)

	require.Len(t, dir.mappings, 1)
	mapping := dir.mappings[0]
	require.Equal(t, "application/pdf", mapping.ContentType)
	require.Equal(t, node.srv.URL, mapping.ServerAddress)
	loc, err := mapping.Locator.ToDomain()
	require.NoError(t, err)
	direct, ok := loc.(directory.Direct)
	require.True(t, ok)

	fileResp, b := get(t, direct.URL())
	require.Equal(t, http.StatusOK, fileResp.StatusCode)
	require.Equal(t, pdfContent, b)
	require.Equal(t, "application/pdf", fileResp.Header.Get("Content-Type"))
	require.Equal(t, digest.FromBytes(pdfContent).String(), fileResp.Header.Get(fetch.DigestHeaderKey))

	ok, err = afero.Exists(node.fs, "/data/files/application/pdf/report.pdf")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUploadSniffsContent(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	node := newTestNode(t, dir)

	resp := upload(t, node.srv.URL, "report", pdfContent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, dir.mappings, 1)
	require.Equal(t, "application/pdf", dir.mappings[0].ContentType)
}

func TestUploadUnclassifiable(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	node := newTestNode(t, dir)

	resp := upload(t, node.srv.URL, "blob", []byte{0x00, 0x01, 0x02, 0xfe, 0xff, 0x10, 0x80})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, dir.mappings)

	entries, err := node.catalogue.List()
	require.NoError(t, err)
	require.Empty(t, entries)
	files, err := afero.ReadDir(node.fs, "/data/files")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestUploadMappingFailure(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{mappingErr: errors.Join(errdefs.ErrUnavailable, errors.New("directory down"))}
	node := newTestNode(t, dir)

	resp := upload(t, node.srv.URL, "report.pdf", pdfContent)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The bytes are kept so the next re-advertise can publish them.
	_, err := node.catalogue.Get("application/pdf", "report.pdf")
	require.NoError(t, err)
}

func TestUploadRejectsRequests(t *testing.T) {
	t.Parallel()

	node := newTestNode(t, &fakeDirectory{})

	resp, err := http.Post(node.srv.URL+"/upload", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("other", "value"))
	require.NoError(t, mw.Close())
	resp, err = http.Post(node.srv.URL+"/upload", mw.FormDataContentType(), body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadSwarm(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	router := routing.NewMemoryRouter(nil, netip.MustParseAddrPort("127.0.0.1:4000"))
	node := newTestNode(t, dir, WithRouter(router))

	resp := upload(t, node.srv.URL, "report.pdf", pdfContent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, dir.mappings, 1)
	require.Equal(t, directory.KindSwarm, dir.mappings[0].Locator.Kind)

	c, err := store.CidFromDigest(digest.FromBytes(pdfContent))
	require.NoError(t, err)
	require.Equal(t, c.String(), dir.mappings[0].Locator.CID)
	peers, ok := router.Lookup(c.String())
	require.True(t, ok)
	require.Len(t, peers, 1)

	blobResp, b := get(t, node.srv.URL+fetch.BlobsPath+c.String())
	require.Equal(t, http.StatusOK, blobResp.StatusCode)
	require.Equal(t, pdfContent, b)

	unknown, err := store.CidFromDigest(digest.FromString("unknown"))
	require.NoError(t, err)
	blobResp, _ = get(t, node.srv.URL+fetch.BlobsPath+unknown.String())
	require.Equal(t, http.StatusNotFound, blobResp.StatusCode)
	blobResp, _ = get(t, node.srv.URL+fetch.BlobsPath+"not-a-cid")
	require.Equal(t, http.StatusBadRequest, blobResp.StatusCode)
}

func TestGiveFile(t *testing.T) {
	t.Parallel()

	node := newTestNode(t, &fakeDirectory{})

	resp, _ := get(t, node.srv.URL+"/giveFile?fileName=report.pdf")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, node.srv.URL+"/giveFile?contentType=application%2Fpdf&fileName=missing.pdf")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, node.srv.URL+"/giveFile?contentType=application%2Fpdf&fileName=..")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFetchFileProxiesDirectory(t *testing.T) {
	t.Parallel()

	results := []api.Result{
		{ContentType: "application/pdf", FileName: "report.pdf", Server: "http://a:4000", Locator: api.FromLocator(directory.NewDirect("http://a:4000", "application/pdf", "report.pdf")), Status: liveness.StatusAlive},
	}
	node := newTestNode(t, &fakeDirectory{results: results})

	resp, b := get(t, node.srv.URL+"/fetchFile?fileName=report.pdf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := []api.Result{}
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, results, got)

	resp, _ = get(t, node.srv.URL+"/fetchFile")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	failing := newTestNode(t, &fakeDirectory{fetchErr: errors.Join(errdefs.ErrUnavailable, errors.New("directory down"))})
	resp, _ = get(t, failing.srv.URL+"/fetchFile?fileName=report.pdf")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDownloadThroughDirectory(t *testing.T) {
	t.Parallel()

	tracker, err := liveness.NewTracker()
	require.NoError(t, err)
	d, err := directory.NewDirectory(tracker)
	require.NoError(t, err)
	m, err := master.NewMaster(tracker, d)
	require.NoError(t, err)
	dirSrv := httptest.NewServer(m.Server(":0").Handler)
	t.Cleanup(dirSrv.Close)

	client, err := dirclient.NewClient(dirSrv.URL)
	require.NoError(t, err)
	owner := newTestNode(t, client)
	reader := newTestNode(t, client)

	resp := upload(t, owner.srv.URL, "report.pdf", pdfContent)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results, err := client.FetchResults(t.Context(), "report.pdf", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, owner.srv.URL, results[0].Server)
	require.Equal(t, "application/pdf", results[0].ContentType)

	dl, b := get(t, reader.srv.URL+"/download?fileName=report.pdf")
	require.Equal(t, http.StatusOK, dl.StatusCode)
	require.Equal(t, pdfContent, b)
	require.Equal(t, "application/pdf", dl.Header.Get("Content-Type"))

	dl, _ = get(t, reader.srv.URL+"/download?fileName=missing.pdf")
	require.Equal(t, http.StatusNotFound, dl.StatusCode)
}

func TestRunRegistersAndHeartbeats(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	dir := &fakeDirectory{registerErr: errors.New("directory down")}
	node := newTestNode(t, dir, WithClock(clk), WithHeartbeatInterval(10*time.Second), WithReadvertiseInterval(time.Minute))
	require.NoError(t, node.catalogue.Put(store.Entry{ContentType: "application/pdf", FileName: "report.pdf"}))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- node.agent.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		registers, heartbeats, mappings := dir.counts()
		return registers == 1 && heartbeats > 0 && mappings > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunHeartbeatsDuringSlowReadvertise(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{mappingDelay: 200 * time.Millisecond}
	node := newTestNode(t, dir, WithHeartbeatInterval(50*time.Millisecond))
	for i := range 20 {
		require.NoError(t, node.catalogue.Put(store.Entry{ContentType: "application/pdf", FileName: fmt.Sprintf("report-%d.pdf", i)}))
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- node.agent.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, heartbeats, _ := dir.counts()
		return heartbeats >= 3
	}, time.Second, 10*time.Millisecond)
	_, _, mappings := dir.counts()
	require.Less(t, mappings, 20)

	cancel()
	require.NoError(t, <-done)
}

func TestNewAgentValidation(t *testing.T) {
	t.Parallel()

	st, err := store.NewStore(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	cat, err := store.OpenCatalogue(filepath.Join(t.TempDir(), "catalogue.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		cat.Close()
	})

	_, err = NewAgent("", &fakeDirectory{}, st, cat)
	require.Error(t, err)
	_, err = NewAgent("http://a:4000", nil, st, cat)
	require.Error(t, err)
	_, err = NewAgent("http://a:4000", &fakeDirectory{}, st, cat, WithHeartbeatInterval(0))
	require.Error(t, err)
}
