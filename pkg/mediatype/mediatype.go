// Package mediatype classifies uploaded content into the MIME type it is stored and advertised under.
package mediatype

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/gabriel-vasile/mimetype"
)

// SniffLength is the number of leading bytes Detect needs to classify content.
const SniffLength = 3072

const unclassified = "application/octet-stream"

// extensionTypes is consulted before the system table so classification does not depend on
// the mime.types files present on the host.
var extensionTypes = map[string]string{
	".css":  "text/css",
	".csv":  "text/csv",
	".gif":  "image/gif",
	".gz":   "application/gzip",
	".htm":  "text/html",
	".html": "text/html",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".js":   "text/javascript",
	".json": "application/json",
	".md":   "text/markdown",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".ogg":  "audio/ogg",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".tar":  "application/x-tar",
	".txt":  "text/plain",
	".wasm": "application/wasm",
	".wav":  "audio/wav",
	".webm": "video/webm",
	".webp": "image/webp",
	".xml":  "application/xml",
	".zip":  "application/zip",
}

// Detect returns the media type for a file, first from its extension and then from its leading
// bytes. Known extensions resolve the same on every host. Content that cannot be classified is
// rejected with an invalid argument error.
func Detect(fileName string, head []byte) (string, error) {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" {
		if t, ok := extensionTypes[ext]; ok {
			return t, nil
		}
		if t := normalize(mime.TypeByExtension(ext)); t != "" && t != unclassified {
			return t, nil
		}
	}
	if len(head) > 0 {
		if t := normalize(mimetype.Detect(head).String()); t != "" && t != unclassified {
			return t, nil
		}
	}
	return "", errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("could not determine content type of %q", fileName))
}

// Valid reports whether contentType can be used as a storage directory.
func Valid(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt != contentType {
		return false
	}
	typ, sub, ok := strings.Cut(mt, "/")
	return ok && typ != "" && sub != "" && !strings.Contains(sub, "/") && !strings.Contains(mt, "..")
}

func normalize(t string) string {
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return mt
}
