package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/types"
)

// DBFile is the database file name inside the cache directory.
const DBFile = "artifacts.db"

var bucketArtifacts = []byte("artifacts")

// ErrNotFound is returned by Delete for an absent entry.
var ErrNotFound = errors.New("artifact not found")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

// entry is the stored record. The version and code hash are repeated
// inside the value so a read can verify what it got.
type entry struct {
	Version     string         `cbor:"version"`
	CodeHash    types.CodeHash `cbor:"code_hash"`
	Compression Compression    `cbor:"compression"`
	Size        int            `cbor:"size"`
	CreatedAt   time.Time      `cbor:"created_at"`
	Hardened    bool           `cbor:"hardened,omitempty"`
	Data        []byte         `cbor:"data"`
}

// Artifact is a stored artifact and how it was produced.
type Artifact struct {
	Data []byte

	// Hardened means the worker that compiled it had every hardening
	// feature enabled. Entries written without it read as false.
	Hardened bool

	CreatedAt time.Time
}

// Options configure a Store.
type Options struct {
	Compression Compression

	// LockTimeout bounds waiting for another process holding the file.
	LockTimeout time.Duration
}

// Store is a bbolt-backed artifact cache. Each Put and Delete is one
// bolt transaction, so readers see either no entry or a complete one.
type Store struct {
	db          *bolt.DB
	compression Compression
	logger      zerolog.Logger
}

// Open opens or creates the cache under dir.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	timeout := opts.LockTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	db, err := bolt.Open(filepath.Join(dir, DBFile), 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketArtifacts); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketArtifacts, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:          db,
		compression: opts.Compression,
		logger:      log.WithComponent("cache"),
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores artifact under h, replacing any previous entry. The entry
// is not marked hardened.
func (s *Store) Put(h types.ArtifactHandle, artifact []byte) error {
	return s.PutArtifact(h, Artifact{Data: artifact})
}

// PutArtifact stores a under h, replacing any previous entry. CreatedAt
// is set by the store.
func (s *Store) PutArtifact(h types.ArtifactHandle, a Artifact) error {
	data, tag, err := compress(a.Data, s.compression)
	if err != nil {
		return fmt.Errorf("compressing artifact %s: %w", h, err)
	}

	value, err := encMode.Marshal(entry{
		Version:     h.Version,
		CodeHash:    h.CodeHash,
		Compression: tag,
		Size:        len(a.Data),
		CreatedAt:   time.Now().UTC(),
		Hardened:    a.Hardened,
		Data:        data,
	})
	if err != nil {
		return fmt.Errorf("encoding artifact %s: %w", h, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put([]byte(h.Key()), value)
	})
}

// Get returns the artifact bytes stored under h. See Lookup.
func (s *Store) Get(h types.ArtifactHandle) ([]byte, bool, error) {
	a, ok, err := s.Lookup(h)
	return a.Data, ok, err
}

// Lookup returns the artifact stored under h. An entry that is unreadable
// or tagged with another version is deleted and reported as absent.
func (s *Store) Lookup(h types.ArtifactHandle) (Artifact, bool, error) {
	var (
		e     entry
		found bool
		bad   error
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketArtifacts).Get([]byte(h.Key()))
		if value == nil {
			return nil
		}
		found = true
		if err := decMode.Unmarshal(value, &e); err != nil {
			bad = fmt.Errorf("decoding entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return Artifact{}, false, err
	}
	if !found {
		return Artifact{}, false, nil
	}

	var artifact []byte
	switch {
	case bad != nil:
	case e.Version != h.Version:
		bad = fmt.Errorf("entry has version %s", e.Version)
	case e.CodeHash != h.CodeHash:
		bad = errors.New("entry has a different code hash")
	default:
		artifact, bad = decompress(e.Data, e.Compression, e.Size)
	}

	if bad != nil {
		s.logger.Warn().Err(bad).Str("artifact", h.Key()).Msg("Dropping unusable cache entry")
		if err := s.Delete(h); err != nil && !errors.Is(err, ErrNotFound) {
			return Artifact{}, false, err
		}
		return Artifact{}, false, nil
	}
	return Artifact{Data: artifact, Hardened: e.Hardened, CreatedAt: e.CreatedAt}, true, nil
}

// Delete removes the entry for h.
func (s *Store) Delete(h types.ArtifactHandle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		key := []byte(h.Key())
		if b.Get(key) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return b.Delete(key)
	})
}

// Prune deletes every entry whose version differs from current and
// returns how many were removed.
func (s *Store) Prune(current string) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e entry
			if err := decMode.Unmarshal(v, &e); err != nil || e.Version != current {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning cache: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Str("version", current).Msg("Pruned stale artifacts")
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketArtifacts).Stats().KeyN
		return nil
	})
	return n, err
}
