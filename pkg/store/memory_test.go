package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/pkg/model"
)

func connect(t *testing.T, s *MemoryStore) Conn {
	t.Helper()
	conn, err := s.Connect()
	require.NoError(t, err)
	return conn
}

func TestMemoryCreateGet(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	rec := model.NewRecord("a")
	rec.SetSimpleField("k", "v")
	require.NoError(t, conn.Create("/a", rec, false))

	got, stat, err := conn.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, "v", got.GetSimpleField("k"))
	assert.Equal(t, 0, stat.Version)
	assert.Equal(t, 0, got.Version)

	// The stored record is isolated from the caller's copy.
	rec.SetSimpleField("k", "changed")
	got2, _, err := conn.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, "v", got2.GetSimpleField("k"))
}

func TestMemoryCreateErrors(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	require.NoError(t, conn.Create("/a", nil, false))
	assert.ErrorIs(t, conn.Create("/a", nil, false), ErrNodeExists)
	assert.ErrorIs(t, conn.Create("/b/c", nil, false), ErrNoNode)
}

func TestMemorySetVersioning(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	require.NoError(t, conn.Create("/a", model.NewRecord("a"), false))

	stat, err := conn.Set("/a", model.NewRecord("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stat.Version)

	_, err = conn.Set("/a", model.NewRecord("a"), 0)
	assert.ErrorIs(t, err, ErrBadVersion)

	_, err = conn.Set("/a", model.NewRecord("a"), AnyVersion)
	assert.NoError(t, err)

	_, err = conn.Set("/missing", model.NewRecord("x"), AnyVersion)
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	require.NoError(t, conn.Create("/a", nil, false))
	require.NoError(t, conn.Create("/a/b", nil, false))

	assert.ErrorIs(t, conn.Delete("/a", AnyVersion), ErrNotEmpty)
	require.NoError(t, conn.Delete("/a/b", AnyVersion))
	require.NoError(t, conn.Delete("/a", AnyVersion))
	assert.ErrorIs(t, conn.Delete("/a", AnyVersion), ErrNoNode)
}

func TestMemoryDeleteTree(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	for _, p := range []string{"/a", "/a/b", "/a/b/c", "/a/d"} {
		require.NoError(t, conn.Create(p, nil, false))
	}
	require.NoError(t, conn.DeleteTree("/a"))

	exists, err := conn.Exists("/a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryChildrenSorted(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	require.NoError(t, conn.Create("/dir", nil, false))
	for _, c := range []string{"z", "a", "m"} {
		require.NoError(t, conn.Create("/dir/"+c, nil, false))
	}

	children, err := conn.GetChildren("/dir")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, children)

	_, err = conn.GetChildren("/nope")
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestMemoryEphemeralExpiresWithSession(t *testing.T) {
	s := NewMemoryStore()
	owner := connect(t, s)
	observer := connect(t, s)
	defer observer.Close()

	require.NoError(t, observer.Create("/live", nil, false))
	require.NoError(t, owner.Create("/live/i1", model.NewRecord("i1"), true))

	stat, err := observer.GetStat("/live/i1")
	require.NoError(t, err)
	assert.Equal(t, owner.SessionID(), stat.EphemeralOwner)

	require.NoError(t, owner.Close())

	exists, err := observer.Exists("/live/i1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryExpireSessionSimulatesCrash(t *testing.T) {
	s := NewMemoryStore()
	owner := connect(t, s)
	observer := connect(t, s)
	defer observer.Close()

	require.NoError(t, observer.Create("/live", nil, false))
	require.NoError(t, owner.Create("/live/i1", nil, true))

	childCh, cancel := observer.WatchChildren("/live")
	defer cancel()

	s.ExpireSession(owner.SessionID())

	exists, err := observer.Exists("/live/i1")
	require.NoError(t, err)
	assert.False(t, exists)

	select {
	case ev := <-childCh:
		assert.Equal(t, EventNodeChildrenChanged, ev.Type)
		assert.Equal(t, "/live", ev.Path)
	case <-time.After(time.Second):
		t.Fatal("no children event after session expiry")
	}
}

func TestMemoryWatchData(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	require.NoError(t, conn.Create("/a", model.NewRecord("a"), false))

	dataCh, cancelData := conn.WatchData("/a")
	defer cancelData()
	childCh, cancelChild := conn.WatchChildren("/a")
	defer cancelChild()

	_, err := conn.Set("/a", model.NewRecord("a"), AnyVersion)
	require.NoError(t, err)

	select {
	case ev := <-dataCh:
		assert.Equal(t, EventNodeDataChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no data event after set")
	}

	// A data change on the node is not a child change.
	select {
	case ev := <-childCh:
		t.Fatalf("unexpected children event %v", ev)
	default:
	}
}

func TestMemoryWatchChildrenOnCreateAndDelete(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	require.NoError(t, conn.Create("/dir", nil, false))
	childCh, cancel := conn.WatchChildren("/dir")
	defer cancel()

	require.NoError(t, conn.Create("/dir/x", nil, false))
	select {
	case ev := <-childCh:
		assert.Equal(t, EventNodeChildrenChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no children event after create")
	}

	require.NoError(t, conn.Delete("/dir/x", AnyVersion))
	select {
	case ev := <-childCh:
		assert.Equal(t, EventNodeChildrenChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no children event after delete")
	}
}

func TestMemoryWatchCancelStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	defer conn.Close()

	require.NoError(t, conn.Create("/a", nil, false))
	dataCh, cancel := conn.WatchData("/a")
	cancel()

	_, err := conn.Set("/a", model.NewRecord("a"), AnyVersion)
	require.NoError(t, err)

	select {
	case ev, ok := <-dataCh:
		if ok {
			t.Fatalf("event delivered after cancel: %v", ev)
		}
	default:
	}
}

func TestMemoryClosedSession(t *testing.T) {
	s := NewMemoryStore()
	conn := connect(t, s)
	require.NoError(t, conn.Close())

	err := conn.Create("/a", nil, false)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, _, err = conn.Get("/a")
	assert.ErrorIs(t, err, ErrSessionClosed)
}
