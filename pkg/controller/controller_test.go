package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/pkg/admin"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/participant"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

const (
	testCluster = "test"
	waitFor     = 10 * time.Second
	tick        = 20 * time.Millisecond
)

type fixture struct {
	t    *testing.T
	st   *store.MemoryStore
	conn store.Conn
	acc  *store.Accessor
	adm  *admin.Admin
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	conn, err := st.Connect()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	adm := admin.New(conn)
	require.NoError(t, adm.CreateCluster(testCluster))

	return &fixture{t: t, st: st, conn: conn,
		acc: store.NewAccessor(conn, testCluster), adm: adm}
}

func (f *fixture) startController(name string) *Controller {
	f.t.Helper()
	c := New(Config{
		Cluster:         testCluster,
		Name:            name,
		PeriodicRefresh: 200 * time.Millisecond,
	}, f.st)
	require.NoError(f.t, c.Start(context.Background()))
	f.t.Cleanup(c.Stop)
	return c
}

// okFactory accepts every transition of the model.
func okFactory(def *statemodel.Def) statemodel.Factory {
	return statemodel.FactoryFunc(func(resource, partition string) *statemodel.StateModel {
		sm := statemodel.NewStateModel()
		for _, from := range def.StatesPriorityList() {
			for _, to := range def.StatesPriorityList() {
				if from != to && def.IsValidTransition(from, to) {
					sm.AddTransition(from, to,
						func(ctx context.Context, msg *model.Message) (string, error) {
							return "", nil
						})
				}
			}
		}
		return sm
	})
}

func (f *fixture) startParticipant(instance string) *participant.Participant {
	f.t.Helper()
	p := participant.New(participant.Config{
		Cluster:  testCluster,
		Instance: instance,
	}, f.st)
	p.RegisterStateModelFactory(statemodel.MasterSlave, okFactory(statemodel.MasterSlaveDef()))
	require.NoError(f.t, p.Start(context.Background()))
	f.t.Cleanup(p.Stop)
	return p
}

func (f *fixture) leaderName() string {
	rec, _, err := f.conn.Get(f.acc.Keys().ControllerLeader())
	if err != nil {
		return ""
	}
	return rec.ID
}

func TestControllerConvergesResource(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.adm.AddInstance(testCluster, model.NewInstanceConfig("i1")))
	require.NoError(t, f.adm.AddInstance(testCluster, model.NewInstanceConfig("i2")))
	require.NoError(t, f.adm.AddResource(testCluster, "db", 2, statemodel.MasterSlave,
		admin.WithReplicas("2")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 2))

	f.startParticipant("i1")
	f.startParticipant("i2")
	f.startController("controller-0")

	require.Eventually(t, func() bool {
		ev, err := f.acc.ExternalView("db")
		if err != nil || ev == nil {
			return false
		}
		for _, partition := range []string{"db_0", "db_1"} {
			states := ev.StateMap(partition)
			masters, slaves := 0, 0
			for _, s := range states {
				switch s {
				case "MASTER":
					masters++
				case "SLAVE":
					slaves++
				}
			}
			if masters != 1 || slaves != 1 {
				return false
			}
		}
		return true
	}, waitFor, tick, "external view never converged to 1 MASTER + 1 SLAVE per partition")
}

func TestControllerPromotesSurvivorAfterFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.adm.AddInstance(testCluster, model.NewInstanceConfig("i1")))
	require.NoError(t, f.adm.AddInstance(testCluster, model.NewInstanceConfig("i2")))
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave,
		admin.WithReplicas("2")))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 2))

	p1 := f.startParticipant("i1")
	f.startParticipant("i2")
	f.startController("controller-0")

	masterOf := func() string {
		ev, err := f.acc.ExternalView("db")
		if err != nil || ev == nil {
			return ""
		}
		for inst, s := range ev.StateMap("db_0") {
			if s == "MASTER" {
				return inst
			}
		}
		return ""
	}

	require.Eventually(t, func() bool { return masterOf() == "i1" }, waitFor, tick)

	// The preferred instance dies; its replacement takes over.
	p1.Stop()
	require.Eventually(t, func() bool { return masterOf() == "i2" }, waitFor, tick)
}

func TestControllerDropsRemovedResource(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.adm.AddInstance(testCluster, model.NewInstanceConfig("i1")))
	require.NoError(t, f.adm.AddResource(testCluster, "db", 1, statemodel.MasterSlave))
	require.NoError(t, f.adm.Rebalance(context.Background(), testCluster, "db", 1))

	f.startParticipant("i1")
	f.startController("controller-0")

	require.Eventually(t, func() bool {
		ev, err := f.acc.ExternalView("db")
		return err == nil && ev != nil && ev.StateMap("db_0")["i1"] == "MASTER"
	}, waitFor, tick)

	require.NoError(t, f.adm.DropResource(testCluster, "db"))

	// Replicas drain to DROPPED and the external view disappears.
	require.Eventually(t, func() bool {
		ev, err := f.acc.ExternalView("db")
		return err == nil && ev == nil
	}, waitFor, tick)
}

func TestLeadershipHandoff(t *testing.T) {
	f := newFixture(t)

	c1 := f.startController("c1")
	require.Eventually(t, func() bool { return f.leaderName() == "c1" }, waitFor, tick)

	f.startController("c2")
	// The incumbent keeps the lease while alive.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "c1", f.leaderName())

	c1.Stop()
	require.Eventually(t, func() bool { return f.leaderName() == "c2" }, waitFor, tick)
}
