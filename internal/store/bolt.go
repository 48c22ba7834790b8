package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/models"
	"go.etcd.io/bbolt"
)

var stateBucket = []byte("state")

// Keys of the state bucket.
var (
	boltKeyVersion  = []byte("version")
	boltKeySessions = []byte("sessions")
	boltKeyActive   = []byte(settingActiveSession)
	boltKeyPending  = []byte(settingPending)
	boltKeyLoginTab = []byte(settingLoginTab)
)

// BoltBackend stores the state in a single bbolt bucket.
type BoltBackend struct {
	db *bbolt.DB
}

// NewBoltBackend opens a bbolt database at path, creating it if needed.
func NewBoltBackend(path string) (*BoltBackend, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: path, Err: err}
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: path, Err: err}
	}
	return &BoltBackend{db: db}, nil
}

// Load reads the state in one read transaction.
func (s *BoltBackend) Load(ctx context.Context) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := &models.Snapshot{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if b == nil {
			return nil
		}
		version, err := boltVersion(b)
		if err != nil {
			return err
		}
		snap.Version = version
		if data := b.Get(boltKeySessions); data != nil {
			if err := json.Unmarshal(data, &snap.Sessions); err != nil {
				return fmt.Errorf("decoding sessions: %w", err)
			}
		}
		snap.ActiveSessionID = string(b.Get(boltKeyActive))
		snap.LoginTabID = string(b.Get(boltKeyLoginTab))
		if data := b.Get(boltKeyPending); data != nil {
			var p models.PendingSession
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("decoding pending session: %w", err)
			}
			snap.Pending = &p
		}
		return nil
	})
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load state", Err: err}
	}
	return snap, nil
}

// Save compares and swaps the version inside one write transaction.
func (s *BoltBackend) Save(ctx context.Context, snap *models.Snapshot) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sessions, err := json.Marshal(snap.Sessions)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "encode sessions", Err: err}
	}
	var pending []byte
	if snap.Pending != nil {
		if pending, err = json.Marshal(snap.Pending); err != nil {
			return 0, &errors.ErrDatabaseQuery{Operation: "encode pending session", Err: err}
		}
	}

	next := snap.Version + 1
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		current, err := boltVersion(b)
		if err != nil {
			return err
		}
		if current != snap.Version {
			return errors.ErrVersionConflict
		}
		if err := b.Put(boltKeySessions, sessions); err != nil {
			return err
		}
		if err := putOrDeleteBolt(b, boltKeyActive, []byte(snap.ActiveSessionID)); err != nil {
			return err
		}
		if err := putOrDeleteBolt(b, boltKeyLoginTab, []byte(snap.LoginTabID)); err != nil {
			return err
		}
		if err := putOrDeleteBolt(b, boltKeyPending, pending); err != nil {
			return err
		}
		return b.Put(boltKeyVersion, []byte(strconv.FormatInt(next, 10)))
	})
	if err == errors.ErrVersionConflict {
		return 0, err
	}
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "save state", Err: err}
	}
	return next, nil
}

// Close closes the underlying BBolt database.
func (s *BoltBackend) Close() error {
	return s.db.Close()
}

func boltVersion(b *bbolt.Bucket) (int64, error) {
	data := b.Get(boltKeyVersion)
	if data == nil {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decoding state version: %w", err)
	}
	return v, nil
}

func putOrDeleteBolt(b *bbolt.Bucket, key, value []byte) error {
	if len(value) == 0 {
		return b.Delete(key)
	}
	return b.Put(key, value)
}

var _ Backend = (*BoltBackend)(nil)
