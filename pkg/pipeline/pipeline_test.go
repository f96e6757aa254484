package pipeline

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/pkg/admin"
	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/events"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

const testCluster = "test"

// fixture is an in-process cluster: memory store, admin-created layout,
// and helpers that play the participant side by hand.
type fixture struct {
	t    *testing.T
	st   *store.MemoryStore
	conn store.Conn
	acc  *store.Accessor
	adm  *admin.Admin
	c    *cache.Cache
	pipe *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	conn, err := st.Connect()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	acc := store.NewAccessor(conn, testCluster)
	adm := admin.New(conn)
	require.NoError(t, adm.CreateCluster(testCluster))

	return &fixture{
		t:    t,
		st:   st,
		conn: conn,
		acc:  acc,
		adm:  adm,
		c:    cache.New(acc, testCluster),
		pipe: New(testCluster, "controller-0", acc),
	}
}

func (f *fixture) addInstance(name string, live bool) {
	f.t.Helper()
	require.NoError(f.t, f.adm.AddInstance(testCluster, model.NewInstanceConfig(name)))
	if live {
		f.goLive(name)
	}
}

func (f *fixture) goLive(name string) {
	f.t.Helper()
	li := model.NewLiveInstance(name, "s-"+name)
	_, err := f.acc.EnsureCreate(f.acc.Keys().LiveInstance(name), li.Record, false)
	require.NoError(f.t, err)
}

func (f *fixture) goOffline(name string) {
	f.t.Helper()
	require.NoError(f.t, f.conn.Delete(f.acc.Keys().LiveInstance(name), store.AnyVersion))
}

// run refreshes the snapshot and executes one pipeline pass.
func (f *fixture) run() {
	f.t.Helper()
	f.c.Notify(events.Event{Type: events.EventPeriodicRefresh})
	snap, err := f.c.Refresh(context.Background())
	require.NoError(f.t, err)
	require.NoError(f.t, f.pipe.Run(context.Background(), snap))
}

func (f *fixture) messages(instance string) []*model.Message {
	f.t.Helper()
	msgs, err := f.acc.Messages(context.Background(), instance)
	require.NoError(f.t, err)
	out := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartitionName() != out[j].PartitionName() {
			return out[i].PartitionName() < out[j].PartitionName()
		}
		return out[i].MsgID() < out[j].MsgID()
	})
	return out
}

func (f *fixture) allMessages(instances ...string) []*model.Message {
	var out []*model.Message
	for _, inst := range instances {
		out = append(out, f.messages(inst)...)
	}
	return out
}

// apply plays the participant: every queued transition succeeds and the
// message is retired.
func (f *fixture) apply(instance string) {
	f.t.Helper()
	for _, msg := range f.messages(instance) {
		if msg.Type() != model.MessageStateTransition {
			continue
		}
		path := f.acc.Keys().CurrentState(instance, msg.TgtSessionID(), msg.ResourceName())
		require.NoError(f.t, f.acc.Update(path, func(rec *model.Record) *model.Record {
			if rec == nil {
				rec = model.NewCurrentState(msg.ResourceName(), msg.TgtSessionID(), msg.StateModelDef()).Record
			}
			cs := model.CurrentStateFromRecord(rec)
			if msg.ToState() == statemodel.StateDropped {
				cs.DropPartition(msg.PartitionName())
			} else {
				cs.SetState(msg.PartitionName(), msg.ToState())
			}
			cs.ClearRequestedState(msg.PartitionName())
			return rec
		}))
		require.NoError(f.t, f.conn.Delete(f.acc.Keys().Message(instance, msg.MsgID()), store.AnyVersion))
	}
}

func (f *fixture) setCurrentState(instance, resource, partition, state string) {
	f.t.Helper()
	path := f.acc.Keys().CurrentState(instance, "s-"+instance, resource)
	require.NoError(f.t, f.acc.Update(path, func(rec *model.Record) *model.Record {
		if rec == nil {
			rec = model.NewCurrentState(resource, "s-"+instance, statemodel.MasterSlave).Record
		}
		model.CurrentStateFromRecord(rec).SetState(partition, state)
		return rec
	}))
}

func (f *fixture) requestedState(instance, resource, partition string) string {
	f.t.Helper()
	cs, err := f.acc.CurrentState(instance, "s-"+instance, resource)
	require.NoError(f.t, err)
	if cs == nil {
		return ""
	}
	return cs.RequestedState(partition)
}

func TestMasterElectionTakesTwoRounds(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2", "i3"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("3")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 3))

	// Round one brings every replica to SLAVE; nobody jumps straight to
	// MASTER from OFFLINE.
	f.run()
	msgs := f.allMessages("i1", "i2", "i3")
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, statemodel.StateOffline, m.FromState())
		assert.Equal(t, "SLAVE", m.ToState())
		// The in-flight marker matches the outstanding message.
		assert.Equal(t, "SLAVE", f.requestedState(m.TgtName(), "db", "db_0"))
	}

	for _, inst := range []string{"i1", "i2", "i3"} {
		f.apply(inst)
	}

	// Round two promotes the preference-list head.
	f.run()
	msgs = f.allMessages("i1", "i2", "i3")
	require.Len(t, msgs, 1)
	assert.Equal(t, "i1", msgs[0].TgtName())
	assert.Equal(t, "SLAVE", msgs[0].FromState())
	assert.Equal(t, "MASTER", msgs[0].ToState())

	f.apply("i1")

	// Converged; a further run emits nothing.
	f.run()
	assert.Empty(t, f.allMessages("i1", "i2", "i3"))
}

func TestPendingMessagesAreNotReissued(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("2")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 2))

	f.run()
	require.Len(t, f.allMessages("i1", "i2"), 2)

	// Participants have not reacted yet; a second run must not duplicate.
	f.run()
	assert.Len(t, f.allMessages("i1", "i2"), 2)
}

func TestPendingTransitionOccupiesTargetState(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("2")))
	require.NoError(t, f.acc.Update(f.acc.Keys().IdealState("db"),
		func(rec *model.Record) *model.Record {
			model.IdealStateFromRecord(rec).SetPreferenceList("db_0", []string{"i2", "i1"})
			return rec
		}))
	f.setCurrentState("i2", "db", "db_0", "SLAVE")

	// i1 carries an in-flight promotion but has not reported any state for
	// the partition yet. The MASTER slot is taken until it resolves.
	inflight := model.NewMessage(model.MessageStateTransition)
	inflight.SetSrcName("controller-0")
	inflight.SetTgtName("i1")
	inflight.SetTgtSessionID("s-i1")
	inflight.SetResourceName("db")
	inflight.SetPartitionName("db_0")
	inflight.SetStateModelDef(statemodel.MasterSlave)
	inflight.SetFromState("SLAVE")
	inflight.SetToState("MASTER")
	_, err := f.acc.EnsureCreate(f.acc.Keys().Message("i1", inflight.MsgID()), inflight.Record, false)
	require.NoError(t, err)

	f.run()
	assert.Empty(t, f.messages("i2"))

	// Once the in-flight promotion is gone the slot frees up.
	require.NoError(t, f.conn.Delete(f.acc.Keys().Message("i1", inflight.MsgID()), store.AnyVersion))
	f.run()
	msgs := f.messages("i2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "MASTER", msgs[0].ToState())
}

func TestFailoverPromotesSurvivor(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2", "i3"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("3")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 3))

	// Converge: i1 MASTER, i2/i3 SLAVE.
	f.run()
	for _, inst := range []string{"i1", "i2", "i3"} {
		f.apply(inst)
	}
	f.run()
	f.apply("i1")

	f.goOffline("i1")

	f.run()
	msgs := f.allMessages("i2", "i3")
	require.Len(t, msgs, 1)
	assert.Equal(t, "i2", msgs[0].TgtName())
	assert.Equal(t, "SLAVE", msgs[0].FromState())
	assert.Equal(t, "MASTER", msgs[0].ToState())
}

func TestThrottleCapsPerInstance(t *testing.T) {
	f := newFixture(t)
	f.addInstance("i1", true)
	require.NoError(t, f.adm.UpdateClusterConfig(testCluster, func(cfg *model.ClusterConfig) {
		_ = cfg.SetThrottleConfigs([]model.ThrottleConfig{
			{Scope: model.ThrottleScopeInstance, Type: model.ThrottleAny, Max: 2},
		})
	}))
	require.NoError(t, f.adm.AddResource(testCluster, "q", 4, statemodel.OnlineOffline,
		admin.WithReplicas("1")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "q", 1))

	f.run()
	msgs := f.messages("i1")
	require.Len(t, msgs, 2)
	// Deterministic order: the first partitions by name win the budget.
	assert.Equal(t, "q_0", msgs[0].PartitionName())
	assert.Equal(t, "q_1", msgs[1].PartitionName())

	// Applying the first pair frees budget for the rest.
	f.apply("i1")
	f.run()
	msgs = f.messages("i1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "q_2", msgs[0].PartitionName())
	assert.Equal(t, "q_3", msgs[1].PartitionName())
}

func TestUnknownReportedStateFreezesPartition(t *testing.T) {
	f := newFixture(t)
	f.addInstance("i1", true)
	require.NoError(t, f.adm.AddResource(testCluster, "db", 2, statemodel.MasterSlave,
		admin.WithReplicas("1")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 1))

	f.setCurrentState("i1", "db", "db_0", "WOBBLE")

	f.run()
	msgs := f.messages("i1")
	require.Len(t, msgs, 1)
	// Only the healthy partition moves; db_0 is frozen in place.
	assert.Equal(t, "db_1", msgs[0].PartitionName())
}

func TestRecoveryConsumesBudgetFirst(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2", "i3"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.UpdateClusterConfig(testCluster, func(cfg *model.ClusterConfig) {
		_ = cfg.SetThrottleConfigs([]model.ThrottleConfig{
			{Scope: model.ThrottleScopeCluster, Type: model.ThrottleAny, Max: 1},
		})
	}))

	// "balanced" is healthy but wants its SLAVE moved from i2 to i3.
	require.NoError(t, f.adm.AddResource(testCluster, "balanced", 1, statemodel.MasterSlave,
		admin.WithReplicas("2")))
	require.NoError(t, f.acc.Update(f.acc.Keys().IdealState("balanced"),
		func(rec *model.Record) *model.Record {
			model.IdealStateFromRecord(rec).SetPreferenceList("balanced_0", []string{"i1", "i3"})
			return rec
		}))
	f.setCurrentState("i1", "balanced", "balanced_0", "MASTER")
	f.setCurrentState("i2", "balanced", "balanced_0", "SLAVE")

	// "wounded" has no serving replica at all.
	require.NoError(t, f.adm.AddResource(testCluster, "wounded", 1, statemodel.MasterSlave,
		admin.WithReplicas("1")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "wounded", 1))

	f.run()
	msgs := f.allMessages("i1", "i2", "i3")
	require.Len(t, msgs, 1)
	assert.Equal(t, "wounded", msgs[0].ResourceName())
}

func TestDroppedResourceDrainsReplicas(t *testing.T) {
	f := newFixture(t)
	f.addInstance("i1", true)
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("1")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 1))

	// Converge to MASTER.
	f.run()
	f.apply("i1")
	f.run()
	f.apply("i1")

	require.NoError(t, f.adm.DropResource(testCluster, "db"))

	// MASTER -> SLAVE -> OFFLINE -> DROPPED, one edge per round.
	for _, expected := range []string{"SLAVE", statemodel.StateOffline, statemodel.StateDropped} {
		f.run()
		msgs := f.messages("i1")
		require.Len(t, msgs, 1, expected)
		assert.Equal(t, expected, msgs[0].ToState())
		f.apply("i1")
	}

	// Everything about the orphan is gone, including its external view.
	f.run()
	assert.Empty(t, f.messages("i1"))
	view, err := f.acc.ExternalView("db")
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestExternalViewTracksCurrentState(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("2")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 2))

	f.run()
	f.apply("i1")
	f.apply("i2")
	f.run()
	f.apply("i1")
	f.run()

	view, err := f.acc.ExternalView("db")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, map[string]string{
		"i1": "MASTER",
		"i2": "SLAVE",
	}, view.StateMap("db_0"))
}

func TestRecoveryIgnoresLoadBalanceBudget(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2", "i3"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.UpdateClusterConfig(testCluster, func(cfg *model.ClusterConfig) {
		_ = cfg.SetThrottleConfigs([]model.ThrottleConfig{
			{Scope: model.ThrottleScopeCluster, Type: model.ThrottleLoadBalance, Max: 0},
		})
	}))
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("3"), admin.WithMinActiveReplicas(2)))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 3))

	// Zero load-balance budget, but an under-replicated partition is
	// recovery class and proceeds.
	f.run()
	assert.Len(t, f.allMessages("i1", "i2", "i3"), 3)
}

func TestDisabledPipelineRunsNothing(t *testing.T) {
	f := newFixture(t)
	f.addInstance("i1", true)
	require.NoError(t, f.adm.UpdateClusterConfig(testCluster, func(cfg *model.ClusterConfig) {
		cfg.SetBoolField(model.FieldPipelineDisabled, true)
	}))
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("1")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 1))

	f.run()
	assert.Empty(t, f.messages("i1"))
}

func TestCancellationSupersedesPendingTransition(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"i1", "i2"} {
		f.addInstance(inst, true)
	}
	require.NoError(t, f.adm.UpdateClusterConfig(testCluster, func(cfg *model.ClusterConfig) {
		cfg.SetTransitionCancelEnabled(true)
	}))
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("2")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 2))

	// Converge both replicas to SLAVE, then let the promotion of i1 to
	// MASTER go out but stay unexecuted.
	f.run()
	f.apply("i1")
	f.apply("i2")
	f.run()
	pending := f.messages("i1")
	require.Len(t, pending, 1)
	require.Equal(t, "MASTER", pending[0].ToState())

	// The target changes under the in-flight promotion: i1 leaves the
	// preference list, so MASTER belongs to i2 now.
	require.NoError(t, f.acc.Update(f.acc.Keys().IdealState("db"),
		func(rec *model.Record) *model.Record {
			model.IdealStateFromRecord(rec).SetPreferenceList("db_0", []string{"i2"})
			return rec
		}))

	f.run()
	var cancellations []*model.Message
	for _, m := range f.messages("i1") {
		if m.Type() == model.MessageCancellation {
			cancellations = append(cancellations, m)
		}
	}
	require.Len(t, cancellations, 1)
	assert.Equal(t, pending[0].MsgID(), cancellations[0].RelayMsgID())
	// The withdrawn intent no longer shows as requested.
	assert.Empty(t, f.requestedState("i1", "db", "db_0"))
}
