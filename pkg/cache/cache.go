package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/helmsman-io/helmsman/pkg/events"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

// ErrIncomplete marks a snapshot that could not be fully loaded. The
// pipeline aborts on it with no side effects.
var ErrIncomplete = errors.New("cache: snapshot incomplete")

// Snapshot is one immutable view of all pipeline inputs. A single
// pipeline run executes against exactly one snapshot; records inside it
// must not be mutated (clone before writing back).
type Snapshot struct {
	Cluster         string
	Config          *model.ClusterConfig
	InstanceConfigs map[string]*model.InstanceConfig
	LiveInstances   map[string]*model.LiveInstance
	IdealStates     map[string]*model.IdealState
	StateModelDefs  map[string]*statemodel.Def

	// CurrentStates holds session-matched current states per live
	// instance, keyed by instance then resource.
	CurrentStates map[string]map[string]*model.CurrentState

	// StaleSessions lists current-state session directories whose session
	// differs from the instance's live session, per instance.
	StaleSessions map[string][]string

	// Messages holds pending messages per instance keyed by message id.
	Messages map[string]map[string]*model.Message

	// OfflineSince records when a configured instance was last seen to go
	// non-live, for delayed rebalance. Entries expire with the delay
	// window.
	OfflineSince map[string]time.Time

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time
}

// Session returns the live session id of an instance, or "".
func (s *Snapshot) Session(instance string) string {
	li, ok := s.LiveInstances[instance]
	if !ok {
		return ""
	}
	return li.SessionID()
}

// EnabledLiveInstances returns live, admin-enabled instances carrying the
// tag (empty tag matches all), sorted for deterministic iteration.
func (s *Snapshot) EnabledLiveInstances(tag string) []string {
	var out []string
	for name := range s.LiveInstances {
		cfg, ok := s.InstanceConfigs[name]
		if !ok || !cfg.Enabled() || !cfg.HasTag(tag) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CurrentState returns the session-matched current state of a resource on
// an instance, or nil.
func (s *Snapshot) CurrentState(instance, resource string) *model.CurrentState {
	m, ok := s.CurrentStates[instance]
	if !ok {
		return nil
	}
	return m[resource]
}

// Def returns the parsed state model definition by name.
func (s *Snapshot) Def(name string) (*statemodel.Def, bool) {
	d, ok := s.StateModelDefs[name]
	return d, ok
}

// scope enumerates independently refreshable subtrees.
type scope int

const (
	scopeClusterConfig scope = iota
	scopeInstanceConfigs
	scopeLiveInstances
	scopeIdealStates
	scopeStateModelDefs
	scopeCurrentStates
	scopeMessages
	scopeCount
)

// Cache loads snapshots from the store, reloading only subtrees marked
// dirty by change notifications. The first refresh loads everything.
type Cache struct {
	accessor *store.Accessor
	cluster  string

	mu            sync.Mutex
	dirty         [scopeCount]bool
	dirtyCSInst   map[string]bool
	dirtyMsgInst  map[string]bool
	csAllDirty    bool
	msgAllDirty   bool
	prev          *Snapshot
	offline       *gocache.Cache
	offlineAt     map[string]time.Time
}

// New creates a cache over the accessor for one cluster.
func New(accessor *store.Accessor, cluster string) *Cache {
	c := &Cache{
		accessor:     accessor,
		cluster:      cluster,
		dirtyCSInst:  make(map[string]bool),
		dirtyMsgInst: make(map[string]bool),
		offline:      gocache.New(gocache.NoExpiration, time.Minute),
		offlineAt:    make(map[string]time.Time),
	}
	c.markAllDirty()
	return c
}

func (c *Cache) markAllDirty() {
	for i := range c.dirty {
		c.dirty[i] = true
	}
	c.csAllDirty = true
	c.msgAllDirty = true
}

// Notify marks the subtree affected by the event dirty. Safe to call
// concurrently with Refresh.
func (c *Cache) Notify(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case events.EventClusterConfigChange:
		c.dirty[scopeClusterConfig] = true
	case events.EventInstanceConfigChange:
		c.dirty[scopeInstanceConfigs] = true
	case events.EventLiveInstanceChange:
		c.dirty[scopeLiveInstances] = true
		// Session changes relocate current-state subtrees.
		c.dirty[scopeCurrentStates] = true
		c.csAllDirty = true
	case events.EventIdealStateChange:
		c.dirty[scopeIdealStates] = true
	case events.EventStateModelDefChange:
		c.dirty[scopeStateModelDefs] = true
	case events.EventCurrentStateChange:
		c.dirty[scopeCurrentStates] = true
		if ev.Instance == "" {
			c.csAllDirty = true
		} else {
			c.dirtyCSInst[ev.Instance] = true
		}
	case events.EventMessageChange:
		c.dirty[scopeMessages] = true
		if ev.Instance == "" {
			c.msgAllDirty = true
		} else {
			c.dirtyMsgInst[ev.Instance] = true
		}
	case events.EventPeriodicRefresh:
		c.markAllDirty()
	}
}

// Refresh loads a new snapshot, reusing unchanged subtrees from the
// previous one. Any load failure yields ErrIncomplete.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	dirty := c.dirty
	csAll := c.csAllDirty
	msgAll := c.msgAllDirty
	csInst := c.dirtyCSInst
	msgInst := c.dirtyMsgInst
	c.dirtyCSInst = make(map[string]bool)
	c.dirtyMsgInst = make(map[string]bool)
	for i := range c.dirty {
		c.dirty[i] = false
	}
	c.csAllDirty = false
	c.msgAllDirty = false
	prev := c.prev
	c.mu.Unlock()

	snap, err := c.load(ctx, prev, dirty, csAll, msgAll, csInst, msgInst)
	if err != nil {
		// Reload everything on the next attempt; partial dirty state is
		// no longer trustworthy.
		c.mu.Lock()
		c.markAllDirty()
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	c.trackOffline(snap)

	c.mu.Lock()
	c.prev = snap
	c.mu.Unlock()
	return snap, nil
}

func (c *Cache) load(ctx context.Context, prev *Snapshot, dirty [scopeCount]bool,
	csAll, msgAll bool, csInst, msgInst map[string]bool) (*Snapshot, error) {

	snap := &Snapshot{
		Cluster:       c.cluster,
		CurrentStates: make(map[string]map[string]*model.CurrentState),
		StaleSessions: make(map[string][]string),
		Messages:      make(map[string]map[string]*model.Message),
		OfflineSince:  make(map[string]time.Time),
		Timestamp:     time.Now(),
	}

	var err error
	if prev == nil || dirty[scopeClusterConfig] {
		snap.Config, err = c.accessor.ClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("cluster config: %w", err)
		}
	} else {
		snap.Config = prev.Config
	}

	if prev == nil || dirty[scopeInstanceConfigs] {
		snap.InstanceConfigs, err = c.accessor.InstanceConfigs(ctx)
		if err != nil {
			return nil, fmt.Errorf("instance configs: %w", err)
		}
	} else {
		snap.InstanceConfigs = prev.InstanceConfigs
	}

	if prev == nil || dirty[scopeLiveInstances] {
		snap.LiveInstances, err = c.accessor.LiveInstances(ctx)
		if err != nil {
			return nil, fmt.Errorf("live instances: %w", err)
		}
	} else {
		snap.LiveInstances = prev.LiveInstances
	}

	if prev == nil || dirty[scopeIdealStates] {
		snap.IdealStates, err = c.accessor.IdealStates(ctx)
		if err != nil {
			return nil, fmt.Errorf("ideal states: %w", err)
		}
	} else {
		snap.IdealStates = prev.IdealStates
	}

	if prev == nil || dirty[scopeStateModelDefs] {
		recs, err := c.accessor.StateModelDefRecords(ctx)
		if err != nil {
			return nil, fmt.Errorf("state model defs: %w", err)
		}
		snap.StateModelDefs = make(map[string]*statemodel.Def, len(recs))
		for name, rec := range recs {
			def, err := statemodel.FromRecord(rec)
			if err != nil {
				return nil, fmt.Errorf("state model %s: %w", name, err)
			}
			snap.StateModelDefs[name] = def
		}
	} else {
		snap.StateModelDefs = prev.StateModelDefs
	}

	// Current states and messages are per live instance.
	for instance, li := range snap.LiveInstances {
		session := li.SessionID()

		reuseCS := prev != nil && !csAll && !csInst[instance] && !dirty[scopeLiveInstances]
		if reuseCS {
			if states, ok := prev.CurrentStates[instance]; ok {
				snap.CurrentStates[instance] = states
				snap.StaleSessions[instance] = prev.StaleSessions[instance]
			} else {
				reuseCS = false
			}
		}
		if !reuseCS {
			states, err := c.accessor.CurrentStates(ctx, instance, session)
			if err != nil {
				return nil, fmt.Errorf("current states of %s: %w", instance, err)
			}
			// Stale-session filtering: accessor reads the live session's
			// subtree, so anything else is stale by construction.
			snap.CurrentStates[instance] = states
			sessions, err := c.accessor.Conn().GetChildren(c.accessor.Keys().CurrentStates(instance))
			if err != nil && !errors.Is(err, store.ErrNoNode) {
				return nil, fmt.Errorf("current state sessions of %s: %w", instance, err)
			}
			var stale []string
			for _, s := range sessions {
				if s != session {
					stale = append(stale, s)
				}
			}
			snap.StaleSessions[instance] = stale
		}

		reuseMsg := prev != nil && !msgAll && !msgInst[instance]
		if reuseMsg {
			if msgs, ok := prev.Messages[instance]; ok {
				snap.Messages[instance] = msgs
			} else {
				reuseMsg = false
			}
		}
		if !reuseMsg {
			msgs, err := c.accessor.Messages(ctx, instance)
			if err != nil {
				return nil, fmt.Errorf("messages of %s: %w", instance, err)
			}
			snap.Messages[instance] = msgs
		}
	}

	return snap, nil
}

// trackOffline maintains departure timestamps for configured instances
// that are not live. The first-seen time survives TTL expiry of the
// protection entry; an instance whose window has elapsed stays
// unprotected until it returns live.
func (c *Cache) trackOffline(snap *Snapshot) {
	window := time.Duration(0)
	if snap.Config != nil && !snap.Config.DelayRebalanceDisabled() {
		if ms := snap.Config.DelayRebalanceTime(); ms > 0 {
			window = time.Duration(ms) * time.Millisecond
		}
	}

	c.mu.Lock()
	for name := range c.offlineAt {
		if _, ok := snap.InstanceConfigs[name]; !ok {
			delete(c.offlineAt, name)
			c.offline.Delete(name)
		}
	}
	for name := range snap.InstanceConfigs {
		if _, live := snap.LiveInstances[name]; live {
			c.offline.Delete(name)
			delete(c.offlineAt, name)
			continue
		}
		if window <= 0 {
			c.offline.Delete(name)
			delete(c.offlineAt, name)
			continue
		}
		first, seen := c.offlineAt[name]
		if !seen {
			first = time.Now()
			c.offlineAt[name] = first
		}
		remaining := window - time.Since(first)
		if remaining <= 0 {
			c.offline.Delete(name)
			continue
		}
		if _, ok := c.offline.Get(name); !ok {
			c.offline.Set(name, first, remaining)
		}
	}
	c.mu.Unlock()

	for name := range snap.InstanceConfigs {
		if v, ok := c.offline.Get(name); ok {
			snap.OfflineSince[name] = v.(time.Time)
		}
	}
}

// NextDelayExpiry returns the earliest time a delayed-rebalance window
// expires, or zero if none is pending.
func (c *Cache) NextDelayExpiry() time.Time {
	var earliest time.Time
	for _, item := range c.offline.Items() {
		exp := time.Unix(0, item.Expiration)
		if item.Expiration == 0 {
			continue
		}
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest
}
