package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/pkg/model"
)

func newTestAccessor(t *testing.T) (*Accessor, Conn) {
	t.Helper()
	s := NewMemoryStore()
	conn, err := s.Connect()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewAccessor(conn, "test"), conn
}

func TestEnsureCreateFillsParents(t *testing.T) {
	acc, conn := newTestAccessor(t)

	created, err := acc.EnsureCreate("/test/a/b/c", model.NewRecord("c"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/test", "/test/a", "/test/a/b", "/test/a/b/c"}, created)

	for _, p := range created {
		exists, err := conn.Exists(p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}
}

func TestEnsureCreateExisting(t *testing.T) {
	acc, _ := newTestAccessor(t)

	_, err := acc.EnsureCreate("/test/a", nil, false)
	require.NoError(t, err)
	_, err = acc.EnsureCreate("/test/a", nil, false)
	assert.ErrorIs(t, err, ErrNodeExists)
}

func TestSetWithCreate(t *testing.T) {
	acc, conn := newTestAccessor(t)

	rec := model.NewRecord("a")
	rec.SetSimpleField("k", "v1")
	require.NoError(t, acc.SetWithCreate("/test/a", rec, AnyVersion))

	rec.SetSimpleField("k", "v2")
	require.NoError(t, acc.SetWithCreate("/test/a", rec, AnyVersion))

	got, _, err := conn.Get("/test/a")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.GetSimpleField("k"))
}

func TestUpdateCreatesMissingNode(t *testing.T) {
	acc, conn := newTestAccessor(t)

	err := acc.Update("/test/a", func(cur *model.Record) *model.Record {
		assert.Nil(t, cur)
		rec := model.NewRecord("a")
		rec.SetSimpleField("n", "1")
		return rec
	})
	require.NoError(t, err)

	got, _, err := conn.Get("/test/a")
	require.NoError(t, err)
	assert.Equal(t, "1", got.GetSimpleField("n"))
}

func TestUpdateAbortsOnNil(t *testing.T) {
	acc, conn := newTestAccessor(t)

	_, err := acc.EnsureCreate("/test/a", model.NewRecord("a"), false)
	require.NoError(t, err)

	require.NoError(t, acc.Update("/test/a", func(cur *model.Record) *model.Record {
		return nil
	}))

	_, stat, err := conn.Get("/test/a")
	require.NoError(t, err)
	assert.Equal(t, 0, stat.Version)
}

func TestUpdateConcurrentIncrements(t *testing.T) {
	s := NewMemoryStore()

	setup, err := s.Connect()
	require.NoError(t, err)
	acc := NewAccessor(setup, "test")
	_, err = acc.EnsureCreate("/test/counter", model.NewRecord("counter"), false)
	require.NoError(t, err)
	require.NoError(t, setup.Close())

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := s.Connect()
			if err != nil {
				return
			}
			defer conn.Close()
			a := NewAccessor(conn, "test")
			_ = a.Update("/test/counter", func(cur *model.Record) *model.Record {
				if cur == nil {
					cur = model.NewRecord("counter")
				}
				cur.SetIntField("n", cur.GetIntField("n", 0)+1)
				return cur
			})
		}()
	}
	wg.Wait()

	conn, err := s.Connect()
	require.NoError(t, err)
	defer conn.Close()
	got, _, err := conn.Get("/test/counter")
	require.NoError(t, err)
	assert.Equal(t, writers, got.GetIntField("n", 0))
}

func TestCreateBatchFillsParents(t *testing.T) {
	acc, conn := newTestAccessor(t)

	paths := []string{"/test/q/m1", "/test/q/m2", "/test/other/m3"}
	recs := []*model.Record{model.NewRecord("m1"), model.NewRecord("m2"), model.NewRecord("m3")}

	result := acc.CreateBatch(context.Background(), paths, recs)
	assert.False(t, result.Failed())

	for _, p := range paths {
		exists, err := conn.Exists(p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}
}

func TestCreateBatchReportsPerIndexErrors(t *testing.T) {
	acc, _ := newTestAccessor(t)

	_, err := acc.EnsureCreate("/test/q/dup", nil, false)
	require.NoError(t, err)

	paths := []string{"/test/q/dup", "/test/q/fresh"}
	recs := []*model.Record{nil, nil}
	result := acc.CreateBatch(context.Background(), paths, recs)

	assert.True(t, result.Failed())
	assert.ErrorIs(t, result.Errors[0], ErrNodeExists)
	assert.NoError(t, result.Errors[1])
	assert.ErrorIs(t, result.FirstError(), ErrNodeExists)
}

func TestRemoveBatchIgnoresMissing(t *testing.T) {
	acc, conn := newTestAccessor(t)

	_, err := acc.EnsureCreate("/test/q/m1", nil, false)
	require.NoError(t, err)

	result := acc.RemoveBatch(context.Background(), []string{"/test/q/m1", "/test/q/gone"})
	assert.False(t, result.Failed())

	exists, err := conn.Exists("/test/q/m1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRollbackDeletesDeepestFirst(t *testing.T) {
	acc, conn := newTestAccessor(t)

	created, err := acc.EnsureCreate("/test/a/b", nil, false)
	require.NoError(t, err)

	acc.Rollback(created)

	for _, p := range created {
		exists, err := conn.Exists(p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}
}

func TestTypedHelpersMissingNodes(t *testing.T) {
	acc, _ := newTestAccessor(t)
	ctx := context.Background()

	cs, err := acc.CurrentState("i1", "sess", "db")
	require.NoError(t, err)
	assert.Nil(t, cs)

	states, err := acc.CurrentStates(ctx, "i1", "sess")
	require.NoError(t, err)
	assert.Empty(t, states)

	msgs, err := acc.Messages(ctx, "i1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ev, err := acc.ExternalView("db")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestTypedHelpersRoundTrip(t *testing.T) {
	acc, _ := newTestAccessor(t)
	ctx := context.Background()
	keys := acc.Keys()

	cfg := model.NewInstanceConfig("i1")
	cfg.SetHost("h1")
	_, err := acc.EnsureCreate(keys.ParticipantConfig("i1"), cfg.Record, false)
	require.NoError(t, err)

	is := model.NewIdealState("db")
	is.SetNumPartitions(2)
	_, err = acc.EnsureCreate(keys.IdealState("db"), is.Record, false)
	require.NoError(t, err)

	configs, err := acc.InstanceConfigs(ctx)
	require.NoError(t, err)
	require.Contains(t, configs, "i1")
	assert.Equal(t, "h1", configs["i1"].Host())

	ideals, err := acc.IdealStates(ctx)
	require.NoError(t, err)
	require.Contains(t, ideals, "db")
	assert.Equal(t, 2, ideals["db"].NumPartitions())
}

func TestKeyBuilderPaths(t *testing.T) {
	k := NewKeyBuilder("c")

	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "cluster config", path: k.ClusterConfig(), expected: "/c/CONFIGS/CLUSTER/c"},
		{name: "live instance", path: k.LiveInstance("i1"), expected: "/c/LIVEINSTANCES/i1"},
		{name: "current state", path: k.CurrentState("i1", "s1", "db"), expected: "/c/INSTANCES/i1/CURRENTSTATES/s1/db"},
		{name: "message", path: k.Message("i1", "m1"), expected: "/c/INSTANCES/i1/MESSAGES/m1"},
		{name: "controller leader", path: k.ControllerLeader(), expected: "/c/CONTROLLER/LEADER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.path)
		})
	}
}

func TestParentPathBaseName(t *testing.T) {
	assert.Equal(t, "/a/b", ParentPath("/a/b/c"))
	assert.Equal(t, "", ParentPath("/a"))
	assert.Equal(t, "c", BaseName("/a/b/c"))
	assert.Equal(t, "x", BaseName("x"))
}
