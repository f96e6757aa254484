package store

import (
	"errors"

	"github.com/helmsman-io/helmsman/pkg/model"
)

// Sentinel errors for store operations. Callers discriminate with
// errors.Is; the accessor maps them onto retry/create behavior.
var (
	// ErrNoNode is returned when the path does not exist.
	ErrNoNode = errors.New("store: no node")

	// ErrNodeExists is returned by Create when the path already exists.
	ErrNodeExists = errors.New("store: node exists")

	// ErrBadVersion is returned when an expected version does not match.
	ErrBadVersion = errors.New("store: bad version")

	// ErrNotEmpty is returned by Delete when the node has children.
	ErrNotEmpty = errors.New("store: node not empty")

	// ErrSessionClosed is returned on operations over a closed session.
	ErrSessionClosed = errors.New("store: session closed")

	// ErrConnClosed is returned when the store itself has been closed.
	ErrConnClosed = errors.New("store: connection closed")
)

// AnyVersion disables the version check on Set and Delete.
const AnyVersion = -1

// Stat describes a node's store metadata.
type Stat struct {
	Version        int
	Ctime          int64 // Unix milliseconds
	Mtime          int64 // Unix milliseconds
	EphemeralOwner string
	NumChildren    int
}

// EventType classifies change notifications.
type EventType int

const (
	EventNodeCreated EventType = iota
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
)

// Event is a change notification for a watched path.
type Event struct {
	Type EventType
	Path string
}

// CancelFunc tears down a watch subscription.
type CancelFunc func()

// Conn is a session-bound handle to the hierarchical store. Ephemeral
// nodes created through a Conn are deleted when the session ends. All
// operations are safe for concurrent use.
type Conn interface {
	// SessionID identifies this session. Ephemeral nodes record it as
	// their owner.
	SessionID() string

	// Create creates the node. The parent must exist. Ephemeral nodes are
	// bound to this session.
	Create(path string, rec *model.Record, ephemeral bool) error

	// Set writes the node data if expectedVersion matches (AnyVersion
	// skips the check) and returns the new stat.
	Set(path string, rec *model.Record, expectedVersion int) (Stat, error)

	// Get reads the node data and stat. The returned record's Version is
	// populated from the stat.
	Get(path string) (*model.Record, Stat, error)

	// Exists reports whether the node exists.
	Exists(path string) (bool, error)

	// GetStat reads the node stat without its data.
	GetStat(path string) (Stat, error)

	// GetChildren lists the node's direct children, sorted.
	GetChildren(path string) ([]string, error)

	// Delete removes the node if expectedVersion matches. Nodes with
	// children cannot be deleted.
	Delete(path string, expectedVersion int) error

	// DeleteTree removes the node and everything below it.
	DeleteTree(path string) error

	// WatchData subscribes to create/delete/data-change events on path.
	// The subscription persists until cancelled.
	WatchData(path string) (<-chan Event, CancelFunc)

	// WatchChildren subscribes to child-set changes under path.
	WatchChildren(path string) (<-chan Event, CancelFunc)

	// Close ends the session, deleting its ephemeral nodes.
	Close() error
}

// Store hands out session-bound connections.
type Store interface {
	Connect() (Conn, error)
	Close() error
}
