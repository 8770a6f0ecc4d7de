package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	cid "github.com/ipfs/go-cid"
	digest "github.com/opencontainers/go-digest"
	bolt "go.etcd.io/bbolt"
)

var (
	filesBucket = []byte("files")
	cidsBucket  = []byte("cids")
)

// Entry is the catalogue record of a stored file.
type Entry struct {
	ContentType string        `json:"contentType"`
	FileName    string        `json:"fileName"`
	Digest      digest.Digest `json:"digest"`
	CID         string        `json:"cid"`
	Size        int64         `json:"size"`
	StoredAt    time.Time     `json:"storedAt"`
}

func EntryFromObject(obj Object) Entry {
	return Entry{
		ContentType: obj.ContentType,
		FileName:    obj.FileName,
		Digest:      obj.Digest,
		CID:         obj.CID.String(),
		Size:        obj.Size,
		StoredAt:    obj.StoredAt,
	}
}

// Catalogue persists the files a node holds so they can be advertised again after a restart
// and looked up by content identifier.
type Catalogue struct {
	db *bolt.DB
}

func OpenCatalogue(path string) (*Catalogue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open catalogue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(cidsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Catalogue{db: db}, nil
}

func entryKey(contentType, fileName string) []byte {
	return []byte(contentType + "\x00" + fileName)
}

// Put records an entry, replacing any previous entry for the same content type and name.
func (c *Catalogue) Put(entry Entry) error {
	key := entryKey(entry.ContentType, entry.FileName)
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket)
		cids := tx.Bucket(cidsBucket)

		if old := files.Get(key); old != nil {
			prev := Entry{}
			if err := json.Unmarshal(old, &prev); err != nil {
				return err
			}
			if prev.CID != "" && prev.CID != entry.CID && string(cids.Get([]byte(prev.CID))) == string(key) {
				if err := cids.Delete([]byte(prev.CID)); err != nil {
					return err
				}
			}
		}
		if err := files.Put(key, encoded); err != nil {
			return err
		}
		if entry.CID == "" {
			return nil
		}
		return cids.Put([]byte(entry.CID), key)
	})
}

func (c *Catalogue) Get(contentType, fileName string) (Entry, error) {
	entry := Entry{}
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(filesBucket).Get(entryKey(contentType, fileName))
		if data == nil {
			return errors.Join(errdefs.ErrNotFound, fmt.Errorf("no catalogue entry for %s of type %s", fileName, contentType))
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ByCID returns the entry whose content hashes to the identifier.
func (c *Catalogue) ByCID(id cid.Cid) (Entry, error) {
	entry := Entry{}
	err := c.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(cidsBucket).Get([]byte(id.String()))
		if key == nil {
			return errors.Join(errdefs.ErrNotFound, fmt.Errorf("no catalogue entry for %s", id))
		}
		data := tx.Bucket(filesBucket).Get(key)
		if data == nil {
			return errors.Join(errdefs.ErrDataLoss, fmt.Errorf("content identifier %s points at a missing entry", id))
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (c *Catalogue) List() ([]Entry, error) {
	entries := []Entry{}
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(_, v []byte) error {
			entry := Entry{}
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Catalogue) Close() error {
	return c.db.Close()
}
