package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	cid "github.com/ipfs/go-cid"

	"cdnmesh/pkg/api"
	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/fetch"
	"cdnmesh/pkg/mediatype"
	"cdnmesh/pkg/metrics"
	"cdnmesh/pkg/mux"
	"cdnmesh/pkg/store"
)

const uploadField = "file"

func (a *Agent) Server(addr string) *http.Server {
	a.log.Info("starting node agent", "addr", addr, "advertise", a.address, "swarm", a.router != nil)
	m := mux.NewServeMux(a.log)
	m.Handle("GET /healthz", a.healthHandler)
	m.Handle("GET /readyz", a.readyHandler)
	m.Handle("POST /upload", mux.InflightHandler("upload", a.uploadHandler))
	m.Handle("GET /fetchFile", mux.InflightHandler("fetch-file", a.fetchFileHandler))
	m.Handle("GET /giveFile", mux.InflightHandler("give-file", a.giveFileHandler))
	m.Handle("HEAD /giveFile", mux.InflightHandler("give-file", a.giveFileHandler))
	m.Handle("GET "+fetch.BlobsPath+"{cid}", mux.InflightHandler("blob", a.blobHandler))
	m.Handle("HEAD "+fetch.BlobsPath+"{cid}", mux.InflightHandler("blob", a.blobHandler))
	m.Handle("GET /download", mux.InflightHandler("download", a.downloadHandler))
	return &http.Server{
		Addr:    addr,
		Handler: m,
	}
}

func (a *Agent) healthHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("health")
	rw.WriteHeader(http.StatusOK)
}

func (a *Agent) readyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("ready")
	if a.router == nil {
		rw.WriteHeader(http.StatusOK)
		return
	}
	ok, err := a.router.Ready(req.Context())
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, fmt.Errorf("could not determine router readiness: %w", err))
		return
	}
	if !ok {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (a *Agent) uploadHandler(rw mux.ResponseWriter, req *http.Request) {
	log := a.log.WithValues("handler", "upload")
	result := "failed"
	defer func() {
		metrics.UploadsTotal.WithLabelValues(result).Inc()
	}()

	req.Body = http.MaxBytesReader(rw, req.Body, a.maxUploadSize)
	mr, err := req.MultipartReader()
	if err != nil {
		result = "rejected"
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("expected multipart upload: %w", err)))
		return
	}
	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result = "rejected"
			writeError(rw, errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("could not read multipart upload: %w", err)))
			return
		}
		if p.FormName() == uploadField {
			part = p
			break
		}
		p.Close()
	}
	if part == nil {
		result = "rejected"
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("multipart field %q is required", uploadField)))
		return
	}
	defer part.Close()

	fileName := part.FileName()
	if err := store.ValidateFileName(fileName); err != nil {
		result = "rejected"
		writeError(rw, err)
		return
	}
	br := bufio.NewReaderSize(part, mediatype.SniffLength)
	head, err := br.Peek(mediatype.SniffLength)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("could not read upload: %w", err)))
		return
	}
	contentType, err := mediatype.Detect(fileName, head)
	if err != nil {
		result = "rejected"
		log.V(4).Info("rejected unclassifiable upload", "fileName", fileName)
		writeError(rw, err)
		return
	}

	obj, err := a.store.Put(req.Context(), contentType, fileName, br)
	if err != nil {
		writeError(rw, err)
		return
	}
	err = a.catalogue.Put(store.EntryFromObject(obj))
	if err != nil {
		writeError(rw, fmt.Errorf("could not catalogue %s: %w", fileName, err))
		return
	}

	var loc directory.Locator = directory.NewDirect(a.address, contentType, fileName)
	if a.router != nil {
		loc = directory.Swarm{CID: obj.CID}
		if err := a.router.Advertise(req.Context(), []string{obj.CID.String()}); err != nil {
			log.Error(err, "could not provide upload to the swarm", "cid", obj.CID.String())
		}
	}
	wireLoc := api.FromLocator(loc)
	err = a.directory.AddMapping(req.Context(), api.AddMappingRequest{
		ContentType:   contentType,
		FileName:      fileName,
		ServerAddress: a.address,
		Locator:       &wireLoc,
	})
	if err != nil {
		result = "mapping-failed"
		rw.WriteError(http.StatusInternalServerError, fmt.Errorf("stored %s but could not add mapping: %w", fileName, err))
		return
	}

	result = "success"
	log.Info("stored upload", "contentType", contentType, "fileName", fileName, "size", obj.Size, "locator", loc.Kind())
	writeJSON(rw, api.UploadResponse{
		ContentType: contentType,
		FileName:    fileName,
		Digest:      obj.Digest.String(),
		Size:        obj.Size,
		Locator:     wireLoc,
	})
}

func (a *Agent) fetchFileHandler(rw mux.ResponseWriter, req *http.Request) {
	fileName := req.URL.Query().Get("fileName")
	if fileName == "" {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, errors.New("fileName is required")))
		return
	}
	results, err := a.directory.FetchResults(req.Context(), fileName, req.URL.Query().Get("contentType"))
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, fmt.Errorf("could not fetch results from directory: %w", err))
		return
	}
	writeJSON(rw, results)
}

func (a *Agent) giveFileHandler(rw mux.ResponseWriter, req *http.Request) {
	contentType := req.URL.Query().Get("contentType")
	fileName := req.URL.Query().Get("fileName")
	if contentType == "" || fileName == "" {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, errors.New("contentType and fileName are required")))
		return
	}
	entry, err := a.catalogue.Get(contentType, fileName)
	if err != nil && !errdefs.IsNotFound(err) {
		writeError(rw, err)
		return
	}
	a.serveFile(rw, req, contentType, fileName, entry)
}

func (a *Agent) blobHandler(rw mux.ResponseWriter, req *http.Request) {
	c, err := cid.Decode(mux.Vars(req)["cid"])
	if err != nil {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("invalid content identifier: %w", err)))
		return
	}
	entry, err := a.catalogue.ByCID(c)
	if err != nil {
		writeError(rw, err)
		return
	}
	a.serveFile(rw, req, entry.ContentType, entry.FileName, entry)
}

func (a *Agent) serveFile(rw mux.ResponseWriter, req *http.Request, contentType, fileName string, entry store.Entry) {
	f, size, err := a.store.Open(contentType, fileName)
	if err != nil {
		writeError(rw, err)
		return
	}
	defer f.Close()

	rw.Header().Set("Content-Type", contentType)
	rw.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if entry.Digest != "" && entry.Size == size {
		rw.Header().Set(fetch.DigestHeaderKey, entry.Digest.String())
	}
	http.ServeContent(rw, req, "", time.Time{}, f)
}

func (a *Agent) downloadHandler(rw mux.ResponseWriter, req *http.Request) {
	fileName := req.URL.Query().Get("fileName")
	if fileName == "" {
		writeError(rw, errors.Join(errdefs.ErrInvalidArgument, errors.New("fileName is required")))
		return
	}
	content, err := a.fetcher.FetchFile(req.Context(), a.directory, fileName, req.URL.Query().Get("contentType"))
	if err != nil {
		writeError(rw, err)
		return
	}
	rw.Header().Set("Content-Type", content.Location.ContentType)
	rw.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
	rw.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(content.Data)
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
