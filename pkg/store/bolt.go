package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/helmsman-io/helmsman/pkg/model"
)

var bucketNodes = []byte("nodes")

// boltNode is the persisted form of one store node.
type boltNode struct {
	Record         *model.Record `json:"record"`
	Version        int           `json:"version"`
	Ctime          int64         `json:"ctime"`
	Mtime          int64         `json:"mtime"`
	EphemeralOwner string        `json:"ephemeralOwner,omitempty"`
}

// BoltStore implements the hierarchical store on BoltDB for single-node
// deployments where controller and participants run in one process tree.
// Sessions are process-local: ephemeral nodes left behind by a previous
// process are purged on open.
type BoltStore struct {
	db  *bolt.DB
	hub *watchHub

	mu       sync.Mutex
	sessions map[string]map[string]struct{}
	closed   bool
}

// NewBoltStore opens (or creates) a BoltDB-backed store in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "helmsman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketNodes)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketNodes, err)
		}
		// Ephemeral nodes belong to sessions of a dead process.
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n boltNode
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("corrupt node %s: %w", k, err)
			}
			if n.EphemeralOwner != "" {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:       db,
		hub:      newWatchHub(),
		sessions: make(map[string]map[string]struct{}),
	}, nil
}

// Connect opens a new session.
func (s *BoltStore) Connect() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrConnClosed
	}
	id := uuid.New().String()
	s.sessions[id] = make(map[string]struct{})
	return &boltConn{store: s, sessionID: id}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *BoltStore) expireSession(sessionID string) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.sessions[sessionID]))
	for p := range s.sessions[sessionID] {
		paths = append(paths, p)
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	for _, p := range paths {
		if err := s.delete(p, AnyVersion); err == nil {
			s.hub.fireData(p, EventNodeDeleted)
			s.hub.fireChildren(ParentPath(p))
		}
	}
}

func (s *BoltStore) readNode(tx *bolt.Tx, path string) (*boltNode, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(path))
	if data == nil {
		return nil, ErrNoNode
	}
	var n boltNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("corrupt node %s: %w", path, err)
	}
	return &n, nil
}

func (s *BoltStore) writeNode(tx *bolt.Tx, path string, n *boltNode) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketNodes).Put([]byte(path), data)
}

// childNames scans direct children of path using the sorted key space.
func childNames(tx *bolt.Tx, path string) []string {
	prefix := []byte(path + "/")
	var out []string
	c := tx.Bucket(bucketNodes).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		rest := string(k[len(prefix):])
		if !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	return out
}

func (s *BoltStore) create(sessionID, path string, rec *model.Record, ephemeral bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNodes).Get([]byte(path)) != nil {
			return ErrNodeExists
		}
		parent := ParentPath(path)
		if parent != "" {
			if tx.Bucket(bucketNodes).Get([]byte(parent)) == nil {
				return ErrNoNode
			}
		}
		now := time.Now().UnixMilli()
		n := &boltNode{Record: cloneRecord(rec), Version: 0, Ctime: now, Mtime: now}
		if ephemeral {
			n.EphemeralOwner = sessionID
		}
		return s.writeNode(tx, path, n)
	})
	if err != nil {
		return err
	}
	if ephemeral {
		s.mu.Lock()
		if sess, ok := s.sessions[sessionID]; ok {
			sess[path] = struct{}{}
		}
		s.mu.Unlock()
	}
	s.hub.fireData(path, EventNodeCreated)
	s.hub.fireChildren(ParentPath(path))
	return nil
}

func (s *BoltStore) set(path string, rec *model.Record, expectedVersion int) (Stat, error) {
	var stat Stat
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := s.readNode(tx, path)
		if err != nil {
			return err
		}
		if expectedVersion != AnyVersion && n.Version != expectedVersion {
			return ErrBadVersion
		}
		n.Record = cloneRecord(rec)
		n.Version++
		n.Mtime = time.Now().UnixMilli()
		stat = Stat{Version: n.Version, Ctime: n.Ctime, Mtime: n.Mtime, EphemeralOwner: n.EphemeralOwner}
		return s.writeNode(tx, path, n)
	})
	if err != nil {
		return Stat{}, err
	}
	s.hub.fireData(path, EventNodeDataChanged)
	return stat, nil
}

func (s *BoltStore) get(path string) (*model.Record, Stat, error) {
	var rec *model.Record
	var stat Stat
	err := s.db.View(func(tx *bolt.Tx) error {
		n, err := s.readNode(tx, path)
		if err != nil {
			return err
		}
		rec = n.Record
		stat = Stat{
			Version:        n.Version,
			Ctime:          n.Ctime,
			Mtime:          n.Mtime,
			EphemeralOwner: n.EphemeralOwner,
			NumChildren:    len(childNames(tx, path)),
		}
		return nil
	})
	if err != nil {
		return nil, Stat{}, err
	}
	if rec != nil {
		rec.Version = stat.Version
	}
	return rec, stat, nil
}

func (s *BoltStore) delete(path string, expectedVersion int) error {
	var owner string
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := s.readNode(tx, path)
		if err != nil {
			return err
		}
		if expectedVersion != AnyVersion && n.Version != expectedVersion {
			return ErrBadVersion
		}
		if len(childNames(tx, path)) > 0 {
			return ErrNotEmpty
		}
		owner = n.EphemeralOwner
		return tx.Bucket(bucketNodes).Delete([]byte(path))
	})
	if err != nil {
		return err
	}
	if owner != "" {
		s.mu.Lock()
		if sess, ok := s.sessions[owner]; ok {
			delete(sess, path)
		}
		s.mu.Unlock()
	}
	return nil
}

type boltConn struct {
	store     *BoltStore
	sessionID string

	mu      sync.Mutex
	closed  bool
	cancels []CancelFunc
}

func (c *boltConn) SessionID() string { return c.sessionID }

func (c *boltConn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	return nil
}

func (c *boltConn) Create(path string, rec *model.Record, ephemeral bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.create(c.sessionID, path, rec, ephemeral)
}

func (c *boltConn) Set(path string, rec *model.Record, expectedVersion int) (Stat, error) {
	if err := c.checkOpen(); err != nil {
		return Stat{}, err
	}
	return c.store.set(path, rec, expectedVersion)
}

func (c *boltConn) Get(path string) (*model.Record, Stat, error) {
	if err := c.checkOpen(); err != nil {
		return nil, Stat{}, err
	}
	return c.store.get(path)
}

func (c *boltConn) Exists(path string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	exists := false
	err := c.store.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketNodes).Get([]byte(path)) != nil
		return nil
	})
	return exists, err
}

func (c *boltConn) GetStat(path string) (Stat, error) {
	if err := c.checkOpen(); err != nil {
		return Stat{}, err
	}
	_, stat, err := c.store.get(path)
	return stat, err
}

func (c *boltConn) GetChildren(path string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	var out []string
	err := c.store.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNodes).Get([]byte(path)) == nil && path != "" {
			return ErrNoNode
		}
		out = childNames(tx, path)
		return nil
	})
	return out, err
}

func (c *boltConn) Delete(path string, expectedVersion int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.store.delete(path, expectedVersion); err != nil {
		return err
	}
	c.store.hub.fireData(path, EventNodeDeleted)
	c.store.hub.fireChildren(ParentPath(path))
	return nil
}

func (c *boltConn) DeleteTree(path string) error {
	children, err := c.GetChildren(path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.DeleteTree(path + "/" + child); err != nil {
			return err
		}
	}
	return c.Delete(path, AnyVersion)
}

func (c *boltConn) WatchData(path string) (<-chan Event, CancelFunc) {
	ch, cancel := c.store.hub.subscribeData(path)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
	return ch, cancel
}

func (c *boltConn) WatchChildren(path string) (<-chan Event, CancelFunc) {
	ch, cancel := c.store.hub.subscribeChildren(path)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
	return ch, cancel
}

func (c *boltConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.store.expireSession(c.sessionID)
	return nil
}
