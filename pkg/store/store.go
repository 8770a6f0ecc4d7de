// Package store keeps uploaded files on local disk under one directory per content type
// and records them in a catalogue.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"cdnmesh/pkg/mediatype"
)

const filesDir = "files"

// Object describes a stored file.
type Object struct {
	ContentType string
	FileName    string
	Digest      digest.Digest
	CID         cid.Cid
	Size        int64
	StoredAt    time.Time
}

type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fsys afero.Fs, root string) (*Store, error) {
	dir := filepath.Join(root, filesDir)
	err := fsys.MkdirAll(dir, os.FileMode(0o755))
	if err != nil {
		return nil, fmt.Errorf("could not create store directory %s: %w", dir, err)
	}
	return &Store{
		fs:   fsys,
		root: root,
	}, nil
}

// ValidateFileName rejects names that are empty or could escape the content type directory.
func ValidateFileName(fileName string) error {
	switch {
	case fileName == "":
		return errors.Join(errdefs.ErrInvalidArgument, errors.New("file name is required"))
	case fileName == "." || fileName == "..":
		return errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("invalid file name %q", fileName))
	case strings.ContainsAny(fileName, "/\\\x00"):
		return errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("file name %q must not contain path separators", fileName))
	}
	return nil
}

func (s *Store) path(contentType, fileName string) (string, error) {
	if !mediatype.Valid(contentType) {
		return "", errors.Join(errdefs.ErrInvalidArgument, fmt.Errorf("invalid content type %q", contentType))
	}
	if err := ValidateFileName(fileName); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filesDir, contentType, fileName), nil
}

// Put writes the content to a temporary file and renames it into place, so readers never see a
// partial file. An existing file with the same content type and name is replaced.
func (s *Store) Put(ctx context.Context, contentType, fileName string, r io.Reader) (Object, error) {
	log := logr.FromContextOrDiscard(ctx)

	p, err := s.path(contentType, fileName)
	if err != nil {
		return Object{}, err
	}
	dir := filepath.Dir(p)
	err = s.fs.MkdirAll(dir, os.FileMode(0o755))
	if err != nil {
		return Object{}, err
	}
	tmp, err := afero.TempFile(s.fs, dir, ".upload-*")
	if err != nil {
		return Object{}, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmpName)
		}
	}()

	digester := digest.SHA256.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("could not write %s: %w", fileName, err)
	}
	err = tmp.Close()
	if err != nil {
		return Object{}, err
	}
	err = s.fs.Rename(tmpName, p)
	if err != nil {
		return Object{}, fmt.Errorf("could not move %s into place: %w", fileName, err)
	}
	committed = true

	dgst := digester.Digest()
	c, err := CidFromDigest(dgst)
	if err != nil {
		return Object{}, err
	}
	log.V(4).Info("stored file", "contentType", contentType, "fileName", fileName, "digest", dgst, "size", size)
	return Object{
		ContentType: contentType,
		FileName:    fileName,
		Digest:      dgst,
		CID:         c,
		Size:        size,
		StoredAt:    time.Now(),
	}, nil
}

// Open returns a reader for a stored file and its size.
func (s *Store) Open(contentType, fileName string) (afero.File, int64, error) {
	p, err := s.path(contentType, fileName)
	if err != nil {
		return nil, 0, err
	}
	f, err := s.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, errors.Join(errdefs.ErrNotFound, fmt.Errorf("file %s of type %s not found", fileName, contentType))
	}
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, errors.Join(errdefs.ErrNotFound, fmt.Errorf("file %s of type %s not found", fileName, contentType))
	}
	return f, fi.Size(), nil
}

// CidFromDigest converts a sha256 digest into a raw codec CIDv1 without rehashing.
func CidFromDigest(dgst digest.Digest) (cid.Cid, error) {
	if dgst.Algorithm() != digest.SHA256 {
		return cid.Undef, fmt.Errorf("unsupported digest algorithm %s", dgst.Algorithm())
	}
	raw, err := hex.DecodeString(dgst.Encoded())
	if err != nil {
		return cid.Undef, err
	}
	hash, err := mh.Encode(raw, mh.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(uint64(mc.Raw), hash), nil
}

// VerifyCid checks that data hashes to the content identifier.
func VerifyCid(c cid.Cid, data []byte) error {
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(c) {
		return errors.Join(errdefs.ErrDataLoss, fmt.Errorf("content hashes to %s, expected %s", got, c))
	}
	return nil
}
