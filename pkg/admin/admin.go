package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

// Admin performs cluster administration against the store. All
// operations are safe to repeat; creating something that exists returns
// ErrExists.
type Admin struct {
	conn store.Conn
}

// ErrExists is returned when the entity to create is already present.
var ErrExists = errors.New("admin: already exists")

// ErrNotFound is returned when the referenced entity is absent.
var ErrNotFound = errors.New("admin: not found")

// New creates an admin over an open store connection.
func New(conn store.Conn) *Admin {
	return &Admin{conn: conn}
}

func (a *Admin) accessor(cluster string) *store.Accessor {
	return store.NewAccessor(a.conn, cluster)
}

// CreateCluster materializes the cluster's path skeleton and registers
// the built-in state models.
func (a *Admin) CreateCluster(cluster string) error {
	acc := a.accessor(cluster)
	keys := acc.Keys()

	cfg := model.NewClusterConfig(cluster)
	if _, err := acc.EnsureCreate(keys.ClusterConfig(), cfg.Record, false); err != nil {
		if errors.Is(err, store.ErrNodeExists) {
			return fmt.Errorf("%w: cluster %s", ErrExists, cluster)
		}
		return err
	}

	skeleton := []string{
		keys.ParticipantConfigs(),
		keys.ResourceConfigs(),
		keys.LiveInstances(),
		keys.IdealStates(),
		keys.Instances(),
		keys.ExternalViews(),
		keys.StateModelDefs(),
		keys.Controller(),
	}
	for _, path := range skeleton {
		if _, err := acc.EnsureCreate(path, nil, false); err != nil && !errors.Is(err, store.ErrNodeExists) {
			return err
		}
	}

	for _, def := range statemodel.BuiltinDefs() {
		if err := a.AddStateModelDef(cluster, def); err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}

	lg := log.WithCluster(cluster)
	lg.Info().Msg("cluster created")
	return nil
}

// DropCluster removes the cluster and everything under it.
func (a *Admin) DropCluster(cluster string) error {
	keys := store.NewKeyBuilder(cluster)
	err := a.conn.DeleteTree(keys.ClusterRoot())
	if errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("%w: cluster %s", ErrNotFound, cluster)
	}
	return err
}

// AddStateModelDef registers a state model definition. Definitions are
// immutable; re-adding an existing name fails with ErrExists.
func (a *Admin) AddStateModelDef(cluster string, def *statemodel.Def) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid state model %s: %w", def.Name(), err)
	}
	acc := a.accessor(cluster)
	_, err := acc.EnsureCreate(acc.Keys().StateModelDef(def.Name()), def.ToRecord(), false)
	if errors.Is(err, store.ErrNodeExists) {
		return fmt.Errorf("%w: state model %s", ErrExists, def.Name())
	}
	return err
}

// AddInstance adds a participant to the cluster. The instance config's
// id is the instance name.
func (a *Admin) AddInstance(cluster string, cfg *model.InstanceConfig) error {
	acc := a.accessor(cluster)
	keys := acc.Keys()
	name := cfg.InstanceName()

	if _, err := acc.EnsureCreate(keys.ParticipantConfig(name), cfg.Record, false); err != nil {
		if errors.Is(err, store.ErrNodeExists) {
			return fmt.Errorf("%w: instance %s", ErrExists, name)
		}
		return err
	}
	for _, path := range []string{
		keys.Instance(name),
		keys.CurrentStates(name),
		keys.Messages(name),
	} {
		if _, err := acc.EnsureCreate(path, nil, false); err != nil && !errors.Is(err, store.ErrNodeExists) {
			return err
		}
	}
	lg := log.WithCluster(cluster)
	lg.Info().Str("instance", name).Msg("instance added")
	return nil
}

// DropInstance removes a participant that is not live.
func (a *Admin) DropInstance(cluster, instance string) error {
	acc := a.accessor(cluster)
	keys := acc.Keys()

	if exists, err := a.conn.Exists(keys.LiveInstance(instance)); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("instance %s is live, disable and stop it first", instance)
	}
	if err := a.conn.DeleteTree(keys.Instance(instance)); err != nil && !errors.Is(err, store.ErrNoNode) {
		return err
	}
	err := a.conn.Delete(keys.ParticipantConfig(instance), store.AnyVersion)
	if errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("%w: instance %s", ErrNotFound, instance)
	}
	return err
}

// SetInstanceEnabled toggles the participant's enabled flag. The
// controller reacts by moving replicas off a disabled instance.
func (a *Admin) SetInstanceEnabled(cluster, instance string, enabled bool) error {
	acc := a.accessor(cluster)
	err := acc.Update(acc.Keys().ParticipantConfig(instance), func(rec *model.Record) *model.Record {
		if rec == nil {
			return nil
		}
		model.InstanceConfigFromRecord(rec).SetEnabled(enabled)
		return rec
	})
	if err != nil {
		return err
	}
	lg := log.WithCluster(cluster)
	lg.Info().Str("instance", instance).
		Bool("enabled", enabled).Msg("instance toggled")
	return nil
}

// ResourceOption tweaks an ideal state at creation time.
type ResourceOption func(*model.IdealState)

// WithRebalanceMode sets the rebalance mode (default SEMI_AUTO).
func WithRebalanceMode(mode model.RebalanceMode) ResourceOption {
	return func(is *model.IdealState) { is.SetRebalanceMode(mode) }
}

// WithReplicas sets the replica count field.
func WithReplicas(replicas string) ResourceOption {
	return func(is *model.IdealState) { is.SetReplicas(replicas) }
}

// WithInstanceGroupTag restricts placement to tagged instances.
func WithInstanceGroupTag(tag string) ResourceOption {
	return func(is *model.IdealState) { is.SetInstanceGroupTag(tag) }
}

// WithMinActiveReplicas sets the recovery threshold.
func WithMinActiveReplicas(n int) ResourceOption {
	return func(is *model.IdealState) { is.SetMinActiveReplicas(n) }
}

// WithRebalancerName names the USER_DEFINED rebalancer plugin.
func WithRebalancerName(name string) ResourceOption {
	return func(is *model.IdealState) { is.SetRebalancerName(name) }
}

// AddResource declares a resource. The state model must already be
// registered.
func (a *Admin) AddResource(cluster, resource string, partitions int, stateModel string, opts ...ResourceOption) error {
	acc := a.accessor(cluster)
	keys := acc.Keys()

	if exists, err := a.conn.Exists(keys.StateModelDef(stateModel)); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: state model %s", ErrNotFound, stateModel)
	}
	if partitions <= 0 {
		return fmt.Errorf("resource %s needs at least one partition", resource)
	}

	is := model.NewIdealState(resource)
	is.SetNumPartitions(partitions)
	is.SetStateModelDefRef(stateModel)
	is.SetReplicas("1")
	for _, opt := range opts {
		opt(is)
	}

	if _, err := acc.EnsureCreate(keys.IdealState(resource), is.Record, false); err != nil {
		if errors.Is(err, store.ErrNodeExists) {
			return fmt.Errorf("%w: resource %s", ErrExists, resource)
		}
		return err
	}
	lg := log.WithCluster(cluster)
	lg.Info().Str("resource", resource).
		Int("partitions", partitions).Str("state_model", stateModel).Msg("resource added")
	return nil
}

// DropResource removes the resource's ideal state. The controller drives
// remaining replicas to DROPPED and retires the external view.
func (a *Admin) DropResource(cluster, resource string) error {
	acc := a.accessor(cluster)
	err := a.conn.Delete(acc.Keys().IdealState(resource), store.AnyVersion)
	if errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("%w: resource %s", ErrNotFound, resource)
	}
	return err
}

// Rebalance populates SEMI_AUTO preference lists by rotating the
// cluster's enabled instances across partitions, and sets the replica
// count. A deterministic spread without the controller's involvement.
func (a *Admin) Rebalance(ctx context.Context, cluster, resource string, replicas int) error {
	acc := a.accessor(cluster)
	keys := acc.Keys()

	configs, err := acc.InstanceConfigs(ctx)
	if err != nil {
		return err
	}
	var instances []string
	for name, cfg := range configs {
		if cfg.Enabled() {
			instances = append(instances, name)
		}
	}
	sort.Strings(instances)
	if replicas > len(instances) {
		return fmt.Errorf("%d replicas requested but only %d enabled instances", replicas, len(instances))
	}

	return acc.Update(keys.IdealState(resource), func(rec *model.Record) *model.Record {
		if rec == nil {
			return nil
		}
		is := model.IdealStateFromRecord(rec)
		is.SetReplicas(fmt.Sprintf("%d", replicas))
		for i, partition := range is.PartitionNames() {
			pref := make([]string, replicas)
			for r := 0; r < replicas; r++ {
				pref[r] = instances[(i+r)%len(instances)]
			}
			is.SetPreferenceList(partition, pref)
		}
		return rec
	})
}

// UpdateClusterConfig applies fn to the cluster config under optimistic
// concurrency.
func (a *Admin) UpdateClusterConfig(cluster string, fn func(*model.ClusterConfig)) error {
	acc := a.accessor(cluster)
	return acc.Update(acc.Keys().ClusterConfig(), func(rec *model.Record) *model.Record {
		if rec == nil {
			return nil
		}
		fn(model.ClusterConfigFromRecord(rec))
		return rec
	})
}

// SendShutdown queues a SHUTDOWN message for a live participant.
func (a *Admin) SendShutdown(cluster, instance string) error {
	acc := a.accessor(cluster)
	keys := acc.Keys()

	rec, _, err := a.conn.Get(keys.LiveInstance(instance))
	if errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("%w: instance %s is not live", ErrNotFound, instance)
	}
	if err != nil {
		return err
	}
	li := model.LiveInstanceFromRecord(rec)

	msg := model.NewMessage(model.MessageShutdown)
	msg.SetSrcName("admin")
	msg.SetTgtName(instance)
	msg.SetTgtSessionID(li.SessionID())
	_, err = acc.EnsureCreate(keys.Message(instance, msg.MsgID()), msg.Record, false)
	return err
}
