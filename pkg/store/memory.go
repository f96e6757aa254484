package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-io/helmsman/pkg/model"
)

// watchHub fans change events out to subscribers. Subscriber channels are
// buffered; a full buffer drops the event rather than blocking a writer,
// matching the at-least-one-refresh contract the cache relies on.
type watchHub struct {
	mu       sync.Mutex
	data     map[string]map[int]chan Event
	children map[string]map[int]chan Event
	nextID   int
}

func newWatchHub() *watchHub {
	return &watchHub{
		data:     make(map[string]map[int]chan Event),
		children: make(map[string]map[int]chan Event),
	}
}

const watchBuffer = 64

func (h *watchHub) subscribe(m map[string]map[int]chan Event, path string) (<-chan Event, CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, watchBuffer)
	id := h.nextID
	h.nextID++
	subs, ok := m[path]
	if !ok {
		subs = make(map[int]chan Event)
		m[path] = subs
	}
	subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := m[path]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m, path)
			}
		}
	}
	return ch, cancel
}

func (h *watchHub) subscribeData(path string) (<-chan Event, CancelFunc) {
	return h.subscribe(h.data, path)
}

func (h *watchHub) subscribeChildren(path string) (<-chan Event, CancelFunc) {
	return h.subscribe(h.children, path)
}

func (h *watchHub) fireData(path string, t EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.data[path] {
		select {
		case ch <- Event{Type: t, Path: path}:
		default:
		}
	}
}

func (h *watchHub) fireChildren(parent string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.children[parent] {
		select {
		case ch <- Event{Type: EventNodeChildrenChanged, Path: parent}:
		default:
		}
	}
}

type memNode struct {
	rec  *model.Record
	stat Stat
}

// MemoryStore is an in-process implementation of the hierarchical store.
// It backs tests and single-process deployments where controller and
// participants share an address space.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*memNode
	children map[string]map[string]struct{}
	sessions map[string]map[string]struct{}
	hub      *watchHub
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*memNode),
		children: make(map[string]map[string]struct{}),
		sessions: make(map[string]map[string]struct{}),
		hub:      newWatchHub(),
	}
}

// Connect opens a new session.
func (s *MemoryStore) Connect() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrConnClosed
	}
	id := uuid.New().String()
	s.sessions[id] = make(map[string]struct{})
	return &memConn{store: s, sessionID: id}, nil
}

// Close shuts the store down. Outstanding sessions become unusable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ExpireSession force-closes a session as if the participant crashed,
// deleting its ephemeral nodes.
func (s *MemoryStore) ExpireSession(sessionID string) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.sessions[sessionID]))
	for p := range s.sessions[sessionID] {
		paths = append(paths, p)
	}
	delete(s.sessions, sessionID)
	type fired struct {
		path   string
		parent string
	}
	var events []fired
	for _, p := range paths {
		if _, ok := s.nodes[p]; ok {
			s.removeNodeLocked(p)
			events = append(events, fired{path: p, parent: ParentPath(p)})
		}
	}
	s.mu.Unlock()

	for _, e := range events {
		s.hub.fireData(e.path, EventNodeDeleted)
		s.hub.fireChildren(e.parent)
	}
}

func (s *MemoryStore) removeNodeLocked(path string) {
	delete(s.nodes, path)
	parent := ParentPath(path)
	if set, ok := s.children[parent]; ok {
		delete(set, BaseName(path))
		if len(set) == 0 {
			delete(s.children, parent)
		}
	}
}

func (s *MemoryStore) create(sessionID, path string, rec *model.Record, ephemeral bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrConnClosed
	}
	if _, ok := s.nodes[path]; ok {
		s.mu.Unlock()
		return ErrNodeExists
	}
	parent := ParentPath(path)
	if parent != "" {
		if _, ok := s.nodes[parent]; !ok {
			s.mu.Unlock()
			return ErrNoNode
		}
	}
	now := time.Now().UnixMilli()
	n := &memNode{
		rec:  cloneRecord(rec),
		stat: Stat{Version: 0, Ctime: now, Mtime: now},
	}
	if ephemeral {
		n.stat.EphemeralOwner = sessionID
		if sess, ok := s.sessions[sessionID]; ok {
			sess[path] = struct{}{}
		} else {
			s.mu.Unlock()
			return ErrSessionClosed
		}
	}
	s.nodes[path] = n
	set, ok := s.children[parent]
	if !ok {
		set = make(map[string]struct{})
		s.children[parent] = set
	}
	set[BaseName(path)] = struct{}{}
	s.mu.Unlock()

	s.hub.fireData(path, EventNodeCreated)
	s.hub.fireChildren(parent)
	return nil
}

func (s *MemoryStore) set(path string, rec *model.Record, expectedVersion int) (Stat, error) {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return Stat{}, ErrNoNode
	}
	if expectedVersion != AnyVersion && n.stat.Version != expectedVersion {
		s.mu.Unlock()
		return Stat{}, ErrBadVersion
	}
	n.rec = cloneRecord(rec)
	n.stat.Version++
	n.stat.Mtime = time.Now().UnixMilli()
	stat := n.stat
	s.mu.Unlock()

	s.hub.fireData(path, EventNodeDataChanged)
	return stat, nil
}

func (s *MemoryStore) get(path string) (*model.Record, Stat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, Stat{}, ErrNoNode
	}
	rec := cloneRecord(n.rec)
	stat := n.stat
	stat.NumChildren = len(s.children[path])
	if rec != nil {
		rec.Version = stat.Version
	}
	return rec, stat, nil
}

func (s *MemoryStore) getChildren(path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[path]; !ok && path != "" {
		return nil, ErrNoNode
	}
	set := s.children[path]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) delete(path string, expectedVersion int) error {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return ErrNoNode
	}
	if expectedVersion != AnyVersion && n.stat.Version != expectedVersion {
		s.mu.Unlock()
		return ErrBadVersion
	}
	if len(s.children[path]) > 0 {
		s.mu.Unlock()
		return ErrNotEmpty
	}
	if n.stat.EphemeralOwner != "" {
		if sess, ok := s.sessions[n.stat.EphemeralOwner]; ok {
			delete(sess, path)
		}
	}
	s.removeNodeLocked(path)
	parent := ParentPath(path)
	s.mu.Unlock()

	s.hub.fireData(path, EventNodeDeleted)
	s.hub.fireChildren(parent)
	return nil
}

func (s *MemoryStore) deleteTree(path string) error {
	for {
		children, err := s.getChildren(path)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			break
		}
		for _, c := range children {
			if err := s.deleteTree(path + "/" + c); err != nil {
				return err
			}
		}
	}
	return s.delete(path, AnyVersion)
}

func cloneRecord(rec *model.Record) *model.Record {
	if rec == nil {
		return nil
	}
	return rec.Clone()
}

type memConn struct {
	store     *MemoryStore
	sessionID string

	mu      sync.Mutex
	closed  bool
	cancels []CancelFunc
}

func (c *memConn) SessionID() string { return c.sessionID }

func (c *memConn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	return nil
}

func (c *memConn) Create(path string, rec *model.Record, ephemeral bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.create(c.sessionID, path, rec, ephemeral)
}

func (c *memConn) Set(path string, rec *model.Record, expectedVersion int) (Stat, error) {
	if err := c.checkOpen(); err != nil {
		return Stat{}, err
	}
	return c.store.set(path, rec, expectedVersion)
}

func (c *memConn) Get(path string) (*model.Record, Stat, error) {
	if err := c.checkOpen(); err != nil {
		return nil, Stat{}, err
	}
	return c.store.get(path)
}

func (c *memConn) Exists(path string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	_, ok := c.store.nodes[path]
	return ok, nil
}

func (c *memConn) GetStat(path string) (Stat, error) {
	if err := c.checkOpen(); err != nil {
		return Stat{}, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	n, ok := c.store.nodes[path]
	if !ok {
		return Stat{}, ErrNoNode
	}
	stat := n.stat
	stat.NumChildren = len(c.store.children[path])
	return stat, nil
}

func (c *memConn) GetChildren(path string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.store.getChildren(path)
}

func (c *memConn) Delete(path string, expectedVersion int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.delete(path, expectedVersion)
}

func (c *memConn) DeleteTree(path string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.deleteTree(path)
}

func (c *memConn) WatchData(path string) (<-chan Event, CancelFunc) {
	ch, cancel := c.store.hub.subscribeData(path)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
	return ch, cancel
}

func (c *memConn) WatchChildren(path string) (<-chan Event, CancelFunc) {
	ch, cancel := c.store.hub.subscribeChildren(path)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
	return ch, cancel
}

func (c *memConn) Close() error {
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
	c.store.ExpireSession(c.sessionID)
	return nil
}
