package coordination

import (
	"context"
	"errors"
	"path"
	"strings"
)

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	PersistentSequential
	Ephemeral
	EphemeralSequential
)

// IsEphemeral reports whether nodes created with this mode die with the session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether the store appends a sequence suffix to the name.
func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case PersistentSequential:
		return "persistent_sequential"
	case Ephemeral:
		return "ephemeral"
	case EphemeralSequential:
		return "ephemeral_sequential"
	default:
		return "unknown"
	}
}

// EventType is the change class a watch fired for.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching is delivered when a watch is dropped without the change
	// happening, e.g. the session closed.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "node_created"
	case EventNodeDeleted:
		return "node_deleted"
	case EventNodeDataChanged:
		return "node_data_changed"
	case EventNodeChildrenChanged:
		return "node_children_changed"
	case EventNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// Event is a single watch notification.
type Event struct {
	Type EventType
	Path string
}

// Watcher receives exactly one Event. It runs on the store's notification
// goroutine and must return quickly.
type Watcher func(Event)

// Stat is the node metadata the primitives rely on.
type Stat struct {
	Version   int32
	Ephemeral bool
}

// AnyVersion disables the optimistic version check on SetData and Delete.
const AnyVersion int32 = -1

// SequenceDigits is the width of the suffix appended to sequential nodes.
const SequenceDigits = 10

var (
	ErrNodeExists              = errors.New("coordination: node already exists")
	ErrNoNode                  = errors.New("coordination: node does not exist")
	ErrBadVersion              = errors.New("coordination: version mismatch")
	ErrNotEmpty                = errors.New("coordination: node has children")
	ErrNoChildrenForEphemerals = errors.New("coordination: ephemeral nodes may not have children")
	ErrClosed                  = errors.New("coordination: session closed")
)

// Store is a strongly-consistent hierarchical namespace with one-shot watches.
// Paths are absolute, slash separated and never end in a slash (except "/").
type Store interface {
	// Create makes a node and returns its actual path, which differs from
	// path only for sequential modes.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)

	// Exists returns nil when the node is absent. A watch is armed either way
	// and fires on creation, deletion or data change.
	Exists(ctx context.Context, path string, w Watcher) (*Stat, error)

	// GetData fails with ErrNoNode when absent, in which case no watch is armed.
	GetData(ctx context.Context, path string, w Watcher) ([]byte, *Stat, error)

	// GetChildren returns the child names (not paths) in no particular order.
	GetChildren(ctx context.Context, path string, w Watcher) ([]string, error)

	// SetData overwrites the payload when version matches (or is AnyVersion)
	// and returns the new Stat.
	SetData(ctx context.Context, path string, data []byte, version int32) (*Stat, error)

	// Delete removes a childless node when version matches (or is AnyVersion).
	Delete(ctx context.Context, path string, version int32) error

	// Close ends the session; ephemeral nodes owned by it disappear.
	Close() error
}

// Join builds a child path, treating "/" as the root.
func Join(parent string, names ...string) string {
	return path.Join(append([]string{parent}, names...)...)
}

// Parent returns the parent path, "/" for top-level nodes.
func Parent(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return "/"
	}
	return dir
}

// Base returns the last path segment.
func Base(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// ValidatePath checks the path is absolute and free of empty or relative segments.
func ValidatePath(p string) error {
	if p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return errors.New("coordination: path must be absolute without trailing slash: " + p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errors.New("coordination: invalid path segment in " + p)
		}
	}
	return nil
}
