package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/events"
	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/pipeline"
	"github.com/helmsman-io/helmsman/pkg/store"
)

const (
	defaultPeriodicRefresh = 30 * time.Second
	refreshRetryWait       = time.Second
)

// Config holds controller settings.
type Config struct {
	// Cluster is the managed cluster name.
	Cluster string

	// Name identifies this controller instance, used as message source
	// and leader record id.
	Name string

	// PeriodicRefresh bounds snapshot staleness when no events arrive.
	PeriodicRefresh time.Duration
}

// Controller drives one cluster: it acquires leadership, watches the
// store, and runs the pipeline on every observed change. Only one run is
// active at a time; triggers arriving mid-run collapse into a single
// follow-up.
type Controller struct {
	cfg      Config
	st       store.Store
	conn     store.Conn
	accessor *store.Accessor
	cache    *cache.Cache
	broker   *events.Broker
	pipe     *pipeline.Pipeline

	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.Mutex
	watchers      []*dirWatcher
	nodeWatchers  []*nodeWatcher
	instanceWatch map[string]*instanceWatcher

	delayMu    sync.Mutex
	delayTimer *time.Timer
}

// instanceWatcher holds the per-live-instance subscriptions: the message
// queue and the current-state subtree of the live session.
type instanceWatcher struct {
	session  string
	messages store.CancelFunc
	states   *dirWatcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a controller for the cluster over the store.
func New(cfg Config, st store.Store) *Controller {
	if cfg.PeriodicRefresh <= 0 {
		cfg.PeriodicRefresh = defaultPeriodicRefresh
	}
	return &Controller{
		cfg:           cfg,
		st:            st,
		broker:        events.NewBroker(),
		trigger:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		instanceWatch: make(map[string]*instanceWatcher),
	}
}

// Start connects to the store and launches the controller loop. It
// returns immediately; leadership acquisition and pipeline runs happen
// in the background until Stop or context cancellation.
func (c *Controller) Start(ctx context.Context) error {
	conn, err := c.st.Connect()
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	c.conn = conn
	c.accessor = store.NewAccessor(conn, c.cfg.Cluster)
	c.cache = cache.New(c.accessor, c.cfg.Cluster)
	c.pipe = pipeline.New(c.cfg.Cluster, c.cfg.Name, c.accessor)
	c.broker.Start()
	metrics.UpdateComponent("store", true, "connected")
	metrics.UpdateComponent("controller", true, "standby")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

// Stop shuts the controller down, releasing leadership. The active
// pipeline run finishes its current stage first.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.teardownWatches()
	c.broker.Stop()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	metrics.ControllerLeader.WithLabelValues(c.cfg.Cluster).Set(0)
}

func (c *Controller) run(ctx context.Context) {
	logger := log.WithComponent("controller").With().Str("cluster", c.cfg.Cluster).Logger()

	if err := c.acquireLeadership(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("leadership acquisition failed")
		}
		return
	}
	logger.Info().Str("controller", c.cfg.Name).Msg("acquired leadership")
	metrics.ControllerLeader.WithLabelValues(c.cfg.Cluster).Set(1)
	metrics.UpdateComponent("controller", true, "leader")

	c.setupWatches()

	sub := c.broker.Subscribe()
	defer c.broker.Unsubscribe(sub)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				c.cache.Notify(ev)
				c.poke()
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.PeriodicRefresh)
	defer ticker.Stop()

	// First run loads everything.
	c.poke()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.broker.Publish(events.Event{Type: events.EventPeriodicRefresh})
		case <-c.trigger:
			c.runPipeline(ctx)
		}
	}
}

// poke requests a pipeline run; concurrent pokes collapse into one.
func (c *Controller) poke() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Controller) runPipeline(ctx context.Context) {
	logger := log.WithCluster(c.cfg.Cluster)

	snap, err := c.cache.Refresh(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot refresh failed, retrying")
		time.AfterFunc(refreshRetryWait, c.poke)
		return
	}

	metrics.LiveInstancesTotal.WithLabelValues(c.cfg.Cluster).Set(float64(len(snap.LiveInstances)))
	c.gcStaleSessions(snap)
	c.syncInstanceWatches(snap)

	if err := c.pipe.Run(ctx, snap); err != nil {
		logger.Warn().Err(err).Msg("pipeline run failed")
	}
	c.armDelayTimer()
}

// acquireLeadership claims the ephemeral leader node, waiting for the
// incumbent to vanish when one exists.
func (c *Controller) acquireLeadership(ctx context.Context) error {
	path := c.accessor.Keys().ControllerLeader()
	rec := model.NewRecord(c.cfg.Name)
	rec.SetSimpleField(model.FieldSessionID, c.conn.SessionID())

	for {
		_, err := c.accessor.EnsureCreate(path, rec, true)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNodeExists) {
			return err
		}

		ch, cancel := c.conn.WatchData(path)
		exists, eerr := c.conn.Exists(path)
		if eerr != nil {
			cancel()
			return eerr
		}
		if !exists {
			cancel()
			continue
		}
		select {
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-c.stopCh:
			cancel()
			return context.Canceled
		case <-ch:
			cancel()
		}
	}
}

// setupWatches wires the cluster-scoped subscriptions into the broker.
func (c *Controller) setupWatches() {
	keys := c.accessor.Keys()
	publish := func(t events.EventType) func(string) {
		return func(string) { c.broker.Publish(events.Event{Type: t}) }
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeWatchers = []*nodeWatcher{
		watchNode(c.conn, keys.ClusterConfig(), func() {
			c.broker.Publish(events.Event{Type: events.EventClusterConfigChange})
		}),
	}
	c.watchers = []*dirWatcher{
		newDirWatcher(c.conn, keys.ParticipantConfigs(), true, publish(events.EventInstanceConfigChange)),
		newDirWatcher(c.conn, keys.LiveInstances(), false, publish(events.EventLiveInstanceChange)),
		newDirWatcher(c.conn, keys.IdealStates(), true, publish(events.EventIdealStateChange)),
		newDirWatcher(c.conn, keys.StateModelDefs(), false, publish(events.EventStateModelDefChange)),
	}
	for _, w := range c.watchers {
		w.start()
	}
}

func (c *Controller) teardownWatches() {
	c.mu.Lock()
	watchers := c.watchers
	c.watchers = nil
	nodes := c.nodeWatchers
	c.nodeWatchers = nil
	instances := c.instanceWatch
	c.instanceWatch = make(map[string]*instanceWatcher)
	c.mu.Unlock()

	for _, w := range nodes {
		w.stop()
	}
	for _, w := range watchers {
		w.stop()
	}
	for _, iw := range instances {
		iw.stop()
	}
}

// syncInstanceWatches keeps one message-queue and one current-state
// subscription per live instance, rewiring when sessions change.
func (c *Controller) syncInstanceWatches(snap *cache.Snapshot) {
	keys := c.accessor.Keys()

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, iw := range c.instanceWatch {
		li, live := snap.LiveInstances[name]
		if live && li.SessionID() == iw.session {
			continue
		}
		iw.stop()
		delete(c.instanceWatch, name)
	}

	for name, li := range snap.LiveInstances {
		if _, ok := c.instanceWatch[name]; ok {
			continue
		}
		instance := name
		session := li.SessionID()
		iw := &instanceWatcher{session: session, stopCh: make(chan struct{})}

		msgCh, msgCancel := c.conn.WatchChildren(keys.Messages(instance))
		iw.messages = msgCancel
		iw.wg.Add(1)
		go func() {
			defer iw.wg.Done()
			for {
				select {
				case <-iw.stopCh:
					return
				case _, ok := <-msgCh:
					if !ok {
						return
					}
					c.broker.Publish(events.Event{
						Type:     events.EventMessageChange,
						Instance: instance,
					})
				}
			}
		}()

		iw.states = newDirWatcher(c.conn, keys.CurrentStateSession(instance, session), true,
			func(string) {
				c.broker.Publish(events.Event{
					Type:     events.EventCurrentStateChange,
					Instance: instance,
				})
			})
		iw.states.start()
		c.instanceWatch[instance] = iw
	}
}

func (iw *instanceWatcher) stop() {
	close(iw.stopCh)
	if iw.messages != nil {
		iw.messages()
	}
	iw.wg.Wait()
	if iw.states != nil {
		iw.states.stop()
	}
}

// gcStaleSessions removes current-state subtrees left behind by expired
// participant sessions. Aggregation already ignores them; this reclaims
// the space.
func (c *Controller) gcStaleSessions(snap *cache.Snapshot) {
	keys := c.accessor.Keys()
	logger := log.WithCluster(c.cfg.Cluster)
	for instance, sessions := range snap.StaleSessions {
		for _, session := range sessions {
			path := keys.CurrentStateSession(instance, session)
			if err := c.conn.DeleteTree(path); err != nil && !errors.Is(err, store.ErrNoNode) {
				logger.Warn().Err(err).Str("instance", instance).
					Str("session", session).Msg("stale session cleanup failed")
				continue
			}
			logger.Debug().Str("instance", instance).Str("session", session).
				Msg("stale session removed")
		}
	}
}

// armDelayTimer schedules a pipeline run at the next delayed-rebalance
// window expiry, replacing any previously armed timer.
func (c *Controller) armDelayTimer() {
	next := c.cache.NextDelayExpiry()

	c.delayMu.Lock()
	defer c.delayMu.Unlock()
	if c.delayTimer != nil {
		c.delayTimer.Stop()
		c.delayTimer = nil
	}
	if next.IsZero() {
		return
	}
	wait := time.Until(next)
	if wait < 0 {
		wait = 0
	}
	c.delayTimer = time.AfterFunc(wait, func() {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.broker.Publish(events.Event{Type: events.EventDelayExpired})
	})
}
