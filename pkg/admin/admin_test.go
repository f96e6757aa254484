package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

const cluster = "test"

func newAdmin(t *testing.T) (*Admin, store.Conn, *store.Accessor) {
	t.Helper()
	st := store.NewMemoryStore()
	conn, err := st.Connect()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn), conn, store.NewAccessor(conn, cluster)
}

func TestCreateCluster(t *testing.T) {
	a, conn, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))

	keys := acc.Keys()
	for _, path := range []string{
		keys.ClusterConfig(),
		keys.LiveInstances(),
		keys.IdealStates(),
		keys.ExternalViews(),
		keys.Controller(),
	} {
		exists, err := conn.Exists(path)
		require.NoError(t, err)
		assert.True(t, exists, path)
	}

	// The built-in state models come along.
	defs, err := acc.StateModelDefRecords(context.Background())
	require.NoError(t, err)
	assert.Contains(t, defs, statemodel.MasterSlave)
	assert.Contains(t, defs, statemodel.OnlineOffline)
	assert.Contains(t, defs, statemodel.LeaderStandby)

	assert.ErrorIs(t, a.CreateCluster(cluster), ErrExists)
}

func TestDropCluster(t *testing.T) {
	a, conn, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))
	require.NoError(t, a.DropCluster(cluster))

	exists, err := conn.Exists(acc.Keys().ClusterConfig())
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, a.DropCluster(cluster), ErrNotFound)
}

func TestAddStateModelDef(t *testing.T) {
	a, _, _ := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))

	def, err := statemodel.NewBuilder("Simple").
		AddState("ON", statemodel.CountReplicas).
		AddState(statemodel.StateOffline, statemodel.CountUnbounded).
		AddState(statemodel.StateDropped, statemodel.CountUnbounded).
		InitialState(statemodel.StateOffline).
		AddTransition(statemodel.StateOffline, "ON").
		AddTransition("ON", statemodel.StateOffline).
		AddTransition(statemodel.StateOffline, statemodel.StateDropped).
		Build()
	require.NoError(t, err)
	require.NoError(t, a.AddStateModelDef(cluster, def))

	// Definitions are immutable once registered.
	assert.ErrorIs(t, a.AddStateModelDef(cluster, def), ErrExists)
	assert.ErrorIs(t, a.AddStateModelDef(cluster, statemodel.MasterSlaveDef()), ErrExists)
}

func TestAddInstance(t *testing.T) {
	a, conn, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))

	cfg := model.NewInstanceConfig("i1")
	cfg.SetHost("node-1")
	cfg.SetPort("7000")
	require.NoError(t, a.AddInstance(cluster, cfg))

	keys := acc.Keys()
	for _, path := range []string{
		keys.ParticipantConfig("i1"),
		keys.CurrentStates("i1"),
		keys.Messages("i1"),
	} {
		exists, err := conn.Exists(path)
		require.NoError(t, err)
		assert.True(t, exists, path)
	}

	assert.ErrorIs(t, a.AddInstance(cluster, cfg), ErrExists)
}

func TestDropInstance(t *testing.T) {
	a, _, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))
	require.NoError(t, a.AddInstance(cluster, model.NewInstanceConfig("i1")))

	// A live instance cannot be dropped.
	li := model.NewLiveInstance("i1", "s1")
	_, err := acc.EnsureCreate(acc.Keys().LiveInstance("i1"), li.Record, false)
	require.NoError(t, err)
	assert.Error(t, a.DropInstance(cluster, "i1"))

	require.NoError(t, acc.Conn().Delete(acc.Keys().LiveInstance("i1"), store.AnyVersion))
	require.NoError(t, a.DropInstance(cluster, "i1"))
	assert.ErrorIs(t, a.DropInstance(cluster, "i1"), ErrNotFound)
}

func TestSetInstanceEnabled(t *testing.T) {
	a, _, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))
	require.NoError(t, a.AddInstance(cluster, model.NewInstanceConfig("i1")))

	require.NoError(t, a.SetInstanceEnabled(cluster, "i1", false))
	cfgs, err := acc.InstanceConfigs(context.Background())
	require.NoError(t, err)
	assert.False(t, cfgs["i1"].Enabled())

	require.NoError(t, a.SetInstanceEnabled(cluster, "i1", true))
	cfgs, err = acc.InstanceConfigs(context.Background())
	require.NoError(t, err)
	assert.True(t, cfgs["i1"].Enabled())
}

func TestAddResource(t *testing.T) {
	a, _, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))

	err := a.AddResource(cluster, "db", 4, "NoSuchModel")
	assert.ErrorIs(t, err, ErrNotFound)

	err = a.AddResource(cluster, "db", 0, statemodel.MasterSlave)
	assert.Error(t, err)

	require.NoError(t, a.AddResource(cluster, "db", 4, statemodel.MasterSlave,
		WithReplicas("2"),
		WithRebalanceMode(model.RebalanceModeFullAuto),
		WithMinActiveReplicas(1),
		WithInstanceGroupTag("hot")))

	states, err := acc.IdealStates(context.Background())
	require.NoError(t, err)
	is := states["db"]
	require.NotNil(t, is)
	assert.Equal(t, 4, is.NumPartitions())
	assert.Equal(t, "2", is.Replicas())
	assert.Equal(t, model.RebalanceModeFullAuto, is.RebalanceMode())
	assert.Equal(t, 1, is.MinActiveReplicas())
	assert.Equal(t, "hot", is.InstanceGroupTag())

	assert.ErrorIs(t, a.AddResource(cluster, "db", 4, statemodel.MasterSlave), ErrExists)
}

func TestDropResource(t *testing.T) {
	a, _, _ := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))
	require.NoError(t, a.AddResource(cluster, "db", 1, statemodel.MasterSlave))

	require.NoError(t, a.DropResource(cluster, "db"))
	assert.ErrorIs(t, a.DropResource(cluster, "db"), ErrNotFound)
}

func TestRebalanceRotatesPreferenceLists(t *testing.T) {
	a, _, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))
	for _, inst := range []string{"i1", "i2", "i3"} {
		require.NoError(t, a.AddInstance(cluster, model.NewInstanceConfig(inst)))
	}
	require.NoError(t, a.AddResource(cluster, "db", 3, statemodel.MasterSlave))

	require.NoError(t, a.Rebalance(context.Background(), cluster, "db", 2))

	states, err := acc.IdealStates(context.Background())
	require.NoError(t, err)
	is := states["db"]
	require.NotNil(t, is)
	assert.Equal(t, "2", is.Replicas())
	assert.Equal(t, []string{"i1", "i2"}, is.PreferenceList("db_0"))
	assert.Equal(t, []string{"i2", "i3"}, is.PreferenceList("db_1"))
	assert.Equal(t, []string{"i3", "i1"}, is.PreferenceList("db_2"))
}

func TestRebalanceSkipsDisabledInstances(t *testing.T) {
	a, _, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))
	for _, inst := range []string{"i1", "i2", "i3"} {
		require.NoError(t, a.AddInstance(cluster, model.NewInstanceConfig(inst)))
	}
	require.NoError(t, a.SetInstanceEnabled(cluster, "i2", false))
	require.NoError(t, a.AddResource(cluster, "db", 1, statemodel.MasterSlave))

	require.NoError(t, a.Rebalance(context.Background(), cluster, "db", 2))

	states, err := acc.IdealStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i3"}, states["db"].PreferenceList("db_0"))

	// More replicas than enabled instances cannot be placed.
	assert.Error(t, a.Rebalance(context.Background(), cluster, "db", 3))
}

func TestUpdateClusterConfig(t *testing.T) {
	a, _, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))

	require.NoError(t, a.UpdateClusterConfig(cluster, func(cfg *model.ClusterConfig) {
		cfg.SetDelayRebalanceTime(30_000)
	}))

	cfg, err := acc.ClusterConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), cfg.DelayRebalanceTime())
}

func TestSendShutdown(t *testing.T) {
	a, conn, acc := newAdmin(t)
	require.NoError(t, a.CreateCluster(cluster))
	require.NoError(t, a.AddInstance(cluster, model.NewInstanceConfig("i1")))

	assert.ErrorIs(t, a.SendShutdown(cluster, "i1"), ErrNotFound)

	li := model.NewLiveInstance("i1", "s1")
	_, err := acc.EnsureCreate(acc.Keys().LiveInstance("i1"), li.Record, false)
	require.NoError(t, err)
	require.NoError(t, a.SendShutdown(cluster, "i1"))

	children, err := conn.GetChildren(acc.Keys().Messages("i1"))
	require.NoError(t, err)
	require.Len(t, children, 1)

	rec, _, err := conn.Get(acc.Keys().Message("i1", children[0]))
	require.NoError(t, err)
	msg := model.MessageFromRecord(rec)
	assert.Equal(t, model.MessageShutdown, msg.Type())
	assert.Equal(t, "s1", msg.TgtSessionID())
}
