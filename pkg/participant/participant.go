package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

const (
	defaultPoolSize    = 10
	defaultGracePeriod = 10 * time.Second
)

// Config holds participant settings.
type Config struct {
	// Cluster is the cluster to join.
	Cluster string

	// Instance is this participant's name. The instance must already be
	// added to the cluster.
	Instance string

	// PoolSize bounds concurrently running transition handlers.
	PoolSize int

	// GracePeriod is how long a cancelled handler may keep running before
	// its partition is marked ERROR.
	GracePeriod time.Duration
}

// Participant joins a cluster, consumes its inbound message queue, and
// runs registered state-model handlers. One handler instance exists per
// (resource, partition); invocations for one replica are strictly
// serialized.
type Participant struct {
	cfg      Config
	st       store.Store
	conn     store.Conn
	accessor *store.Accessor

	factoriesMu sync.RWMutex
	factories   map[string]statemodel.Factory

	dispatch *dispatcher
	exec     *executor

	msgCancel store.CancelFunc
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
	doneOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a participant for the cluster over the store.
func New(cfg Config, st store.Store) *Participant {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	p := &Participant{
		cfg:       cfg,
		st:        st,
		factories: make(map[string]statemodel.Factory),
		dispatch:  newDispatcher(cfg.PoolSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	p.exec = newExecutor(p)
	return p
}

// RegisterStateModelFactory installs the handler factory for a state
// model. Must be called before Start.
func (p *Participant) RegisterStateModelFactory(stateModel string, f statemodel.Factory) {
	p.factoriesMu.Lock()
	defer p.factoriesMu.Unlock()
	p.factories[stateModel] = f
}

func (p *Participant) factory(stateModel string) (statemodel.Factory, bool) {
	p.factoriesMu.RLock()
	defer p.factoriesMu.RUnlock()
	f, ok := p.factories[stateModel]
	return f, ok
}

// Done is closed when the participant received a SHUTDOWN message.
func (p *Participant) Done() <-chan struct{} { return p.doneCh }

// Start connects, cleans up leftovers of previous sessions, registers
// the live-instance node, and begins consuming messages.
func (p *Participant) Start(ctx context.Context) error {
	conn, err := p.st.Connect()
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	p.conn = conn
	p.accessor = store.NewAccessor(conn, p.cfg.Cluster)
	keys := p.accessor.Keys()

	if _, _, err := conn.Get(keys.ParticipantConfig(p.cfg.Instance)); err != nil {
		_ = conn.Close()
		if errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("instance %s is not added to cluster %s", p.cfg.Instance, p.cfg.Cluster)
		}
		return fmt.Errorf("reading instance config: %w", err)
	}

	if err := p.cleanupPreviousSessions(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("session cleanup: %w", err)
	}

	li := model.NewRecord(p.cfg.Instance)
	li.SetSimpleField(model.FieldSessionID, conn.SessionID())
	if _, err := p.accessor.EnsureCreate(keys.LiveInstance(p.cfg.Instance), li, true); err != nil {
		_ = conn.Close()
		if errors.Is(err, store.ErrNodeExists) {
			return fmt.Errorf("instance %s is already live", p.cfg.Instance)
		}
		return fmt.Errorf("registering live instance: %w", err)
	}

	msgCh, msgCancel := conn.WatchChildren(keys.Messages(p.cfg.Instance))
	p.msgCancel = msgCancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.scanQueue()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				p.scanQueue()
			}
		}
	}()

	metrics.UpdateComponent("store", true, "connected")
	metrics.UpdateComponent("participant", true, "serving")
	lg := log.WithInstance(p.cfg.Instance)
	lg.Info().
		Str("cluster", p.cfg.Cluster).
		Str("session", conn.SessionID()).
		Msg("participant started")
	return nil
}

// Stop disconnects the participant. The live-instance node disappears
// with the session; queued handlers finish first.
func (p *Participant) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.msgCancel != nil {
		p.msgCancel()
	}
	p.wg.Wait()
	p.dispatch.Stop()
	p.exec.reset()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	lg := log.WithInstance(p.cfg.Instance)
	lg.Info().Msg("participant stopped")
}

// scanQueue reads the inbound directory and routes every message not yet
// taken.
func (p *Participant) scanQueue() {
	keys := p.accessor.Keys()
	names, err := p.conn.GetChildren(keys.Messages(p.cfg.Instance))
	if err != nil {
		if !errors.Is(err, store.ErrNoNode) {
			lg := log.WithInstance(p.cfg.Instance)
			lg.Warn().Err(err).Msg("listing message queue failed")
		}
		return
	}
	metrics.MessagesPending.WithLabelValues(p.cfg.Instance).Set(float64(len(names)))

	for _, id := range names {
		rec, _, err := p.conn.Get(keys.Message(p.cfg.Instance, id))
		if err != nil {
			if !errors.Is(err, store.ErrNoNode) {
				lg := log.WithInstance(p.cfg.Instance)
				lg.Warn().Err(err).
					Str("msg_id", id).Msg("reading message failed")
			}
			continue
		}
		p.exec.route(model.MessageFromRecord(rec))
	}
}

// cleanupPreviousSessions carries the partitions of older sessions over
// into this session at their initial state, then removes the old
// subtrees and any messages addressed to dead sessions. The process
// restarted, so whatever the replicas were, they are at initial state
// now.
func (p *Participant) cleanupPreviousSessions(ctx context.Context) error {
	keys := p.accessor.Keys()
	session := p.conn.SessionID()
	logger := log.WithInstance(p.cfg.Instance)

	sessions, err := p.conn.GetChildren(keys.CurrentStates(p.cfg.Instance))
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return err
	}

	var defs map[string]*model.Record
	for _, old := range sessions {
		if old == session {
			continue
		}
		states, err := p.accessor.CurrentStates(ctx, p.cfg.Instance, old)
		if err != nil {
			return err
		}
		for resource, cs := range states {
			if defs == nil {
				if defs, err = p.accessor.StateModelDefRecords(ctx); err != nil {
					return err
				}
			}
			defRec, ok := defs[cs.StateModelDef()]
			if !ok {
				logger.Warn().Str("resource", resource).
					Str("state_model", cs.StateModelDef()).
					Msg("dropping carry-over for unknown state model")
				continue
			}
			def, err := statemodel.FromRecord(defRec)
			if err != nil {
				return err
			}
			carried := model.NewCurrentState(resource, session, cs.StateModelDef())
			for _, partition := range cs.Partitions() {
				if cs.State(partition) == statemodel.StateDropped {
					continue
				}
				carried.SetState(partition, def.InitialState())
			}
			if len(carried.MapFields) == 0 {
				continue
			}
			path := keys.CurrentState(p.cfg.Instance, session, resource)
			if _, err := p.accessor.EnsureCreate(path, carried.Record, false); err != nil &&
				!errors.Is(err, store.ErrNodeExists) {
				return err
			}
		}
		if err := p.conn.DeleteTree(keys.CurrentStateSession(p.cfg.Instance, old)); err != nil &&
			!errors.Is(err, store.ErrNoNode) {
			return err
		}
		logger.Debug().Str("session", old).Msg("previous session cleaned up")
	}

	msgs, err := p.accessor.Messages(ctx, p.cfg.Instance)
	if err != nil {
		return err
	}
	for id, msg := range msgs {
		if msg.TgtSessionID() == session {
			continue
		}
		if err := p.conn.Delete(keys.Message(p.cfg.Instance, id), store.AnyVersion); err != nil &&
			!errors.Is(err, store.ErrNoNode) {
			return err
		}
	}
	return nil
}
