// Package store persists the minimal durable state of the bot in a bolt
// database: the current OAuth token set, a small key/value settings map, and
// the last observed connector statuses used by the charger poller for change
// detection.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketTokens   = "auth_tokens"
	bucketSettings = "configuracion"
	bucketSockets  = "socket_status"

	tokenKey = "current"
)

// Settings keys understood by the rest of the service.
const (
	SettingPollInterval = "check_interval"
	SettingAppVersion   = "app_version"
)

// TokenRecord is the persisted token set. Expiry is RFC3339; empty fields
// mean the corresponding token is absent.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenExpiry  string `json:"token_expiry,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// SocketSnapshot is the last observed state of one physical connector.
type SocketSnapshot struct {
	CuprID     int    `json:"cuprId"`
	CuprName   string `json:"cuprName"`
	SocketCode string `json:"socketCode"`
	SocketType string `json:"socketType"`
	Status     string `json:"status"`
	UpdateDate string `json:"statusUpdateDate"`
	LastCheck  string `json:"lastCheck"`
}

// Store is a bolt-backed persistence layer. Each operation opens the database
// briefly; bolt serializes writers internally.
type Store struct {
	path string
}

// New creates a store rooted at dataDir, creating the directory if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: failed to create data directory: %w", err)
	}
	return &Store{path: filepath.Join(dataDir, "cargabot.bolt")}, nil
}

func (s *Store) open() (*bolt.DB, error) {
	return bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
}

// SaveTokens writes the token record, stamping UpdatedAt.
func (s *Store) SaveTokens(rec *TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("store: nil token record")
	}
	rec.UpdatedAt = time.Now().Format(time.RFC3339)
	enc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return db.Update(func(tx *bolt.Tx) error {
		b, errCreateBucket := tx.CreateBucketIfNotExists([]byte(bucketTokens))
		if errCreateBucket != nil {
			return errCreateBucket
		}
		return b.Put([]byte(tokenKey), enc)
	})
}

// LoadTokens returns the persisted token record, or nil when none exists.
func (s *Store) LoadTokens() (*TokenRecord, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = db.Close()
	}()
	var rec *TokenRecord
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTokens))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(tokenKey))
		if len(v) == 0 {
			return nil
		}
		var r TokenRecord
		if e := json.Unmarshal(v, &r); e != nil {
			// Malformed record: treat as absent rather than failing startup.
			return nil
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ClearTokens removes the persisted token record.
func (s *Store) ClearTokens() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTokens))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(tokenKey))
	})
}

// SetSetting stores a key/value settings pair.
func (s *Store) SetSetting(key, value string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return db.Update(func(tx *bolt.Tx) error {
		b, errCreateBucket := tx.CreateBucketIfNotExists([]byte(bucketSettings))
		if errCreateBucket != nil {
			return errCreateBucket
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// GetSetting returns the value for key, or the empty string when unset.
func (s *Store) GetSetting(key string) (string, error) {
	db, err := s.open()
	if err != nil {
		return "", err
	}
	defer func() {
		_ = db.Close()
	}()
	var value string
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSettings))
		if b == nil {
			return nil
		}
		value = string(b.Get([]byte(key)))
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetIntSetting returns the integer value for key, or fallback when the key
// is unset or not numeric.
func (s *Store) GetIntSetting(key string, fallback int) int {
	v, err := s.GetSetting(key)
	if err != nil || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// SaveSocketStatuses replaces the stored connector snapshots with the given
// set, keyed by physical socket id.
func (s *Store) SaveSocketStatuses(snapshots map[int]SocketSnapshot) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(bucketSockets)); b != nil {
			if err = tx.DeleteBucket([]byte(bucketSockets)); err != nil {
				return err
			}
		}
		b, errCreateBucket := tx.CreateBucket([]byte(bucketSockets))
		if errCreateBucket != nil {
			return errCreateBucket
		}
		for id, snap := range snapshots {
			enc, e := json.Marshal(snap)
			if e != nil {
				return e
			}
			if e = b.Put([]byte(strconv.Itoa(id)), enc); e != nil {
				return e
			}
		}
		return nil
	})
}

// LoadSocketStatuses returns the stored connector snapshots keyed by physical
// socket id. Missing bucket yields an empty map.
func (s *Store) LoadSocketStatuses() (map[int]SocketSnapshot, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = db.Close()
	}()
	out := map[int]SocketSnapshot{}
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSockets))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			id, e := strconv.Atoi(string(k))
			if e != nil {
				return nil
			}
			var snap SocketSnapshot
			if e = json.Unmarshal(v, &snap); e != nil {
				// Skip malformed entries instead of failing the whole load.
				return nil
			}
			out[id] = snap
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
