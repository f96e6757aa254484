package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"golang.org/x/sync/errgroup"

	"github.com/helmsman-io/helmsman/pkg/model"
)

// UpdateFunc transforms the current record (nil if the node is absent)
// into the record to write. Returning nil aborts the update with no write.
type UpdateFunc func(current *model.Record) *model.Record

const (
	updateRetries  = 10
	updateBaseWait = 10 * time.Millisecond

	// batchParallelism bounds concurrently issued ops inside one batch.
	batchParallelism = 16
)

// Accessor layers path auto-creation, optimistic read-modify-write, and
// batched async operations over a raw store connection. One accessor per
// session; safe for concurrent use because the underlying Conn is.
type Accessor struct {
	conn Conn
	keys KeyBuilder
}

// NewAccessor creates an accessor for the cluster over the connection.
func NewAccessor(conn Conn, cluster string) *Accessor {
	return &Accessor{conn: conn, keys: NewKeyBuilder(cluster)}
}

// Conn exposes the underlying connection.
func (a *Accessor) Conn() Conn { return a.conn }

// Keys exposes the cluster key builder.
func (a *Accessor) Keys() KeyBuilder { return a.keys }

// EnsureCreate creates the node, recursively creating missing persistent
// parents first. It returns the paths it created (deepest last) so a
// failed multi-step operation can roll back, and ErrNodeExists if the
// target node was already present.
func (a *Accessor) EnsureCreate(path string, rec *model.Record, ephemeral bool) ([]string, error) {
	var created []string
	err := a.conn.Create(path, rec, ephemeral)
	if err == nil {
		return []string{path}, nil
	}
	if !errors.Is(err, ErrNoNode) {
		return nil, err
	}

	parent := ParentPath(path)
	if parent == "" {
		return nil, err
	}
	parents, perr := a.EnsureCreate(parent, nil, false)
	if perr != nil && !errors.Is(perr, ErrNodeExists) {
		return nil, perr
	}
	created = append(created, parents...)

	if err := a.conn.Create(path, rec, ephemeral); err != nil {
		return created, err
	}
	return append(created, path), nil
}

// SetWithCreate writes the node, creating it (and missing parents) if it
// does not exist. expectedVersion applies only to the set path.
func (a *Accessor) SetWithCreate(path string, rec *model.Record, expectedVersion int) error {
	_, err := a.conn.Set(path, rec, expectedVersion)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoNode) {
		return err
	}
	_, err = a.EnsureCreate(path, rec, false)
	if errors.Is(err, ErrNodeExists) {
		// Raced with another creator; retry the set once.
		_, err = a.conn.Set(path, rec, expectedVersion)
	}
	return err
}

// Update applies fn to the node under optimistic concurrency: read, apply,
// write with the read version, retry on conflict. A missing node invokes
// fn(nil) and escalates to create.
func (a *Accessor) Update(path string, fn UpdateFunc) error {
	return retry.Do(
		func() error {
			rec, stat, err := a.conn.Get(path)
			switch {
			case err == nil:
				next := fn(rec)
				if next == nil {
					return nil
				}
				_, err = a.conn.Set(path, next, stat.Version)
				return err
			case errors.Is(err, ErrNoNode):
				next := fn(nil)
				if next == nil {
					return nil
				}
				_, err = a.EnsureCreate(path, next, false)
				if errors.Is(err, ErrNodeExists) {
					return ErrBadVersion // re-read on next attempt
				}
				return err
			default:
				return err
			}
		},
		retry.Attempts(updateRetries),
		retry.Delay(updateBaseWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrBadVersion) }),
	)
}

// BatchResult carries the per-index outcome of a batched operation.
type BatchResult struct {
	Errors []error
}

// Failed reports whether any op in the batch failed.
func (r BatchResult) Failed() bool {
	for _, err := range r.Errors {
		if err != nil {
			return true
		}
	}
	return false
}

// FirstError returns the first non-nil error, or nil.
func (r BatchResult) FirstError() error {
	for _, err := range r.Errors {
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateBatch issues creates for all paths concurrently. Paths that fail
// with ErrNoNode get their parents created in a second pass and the
// create retried, matching the batched-async contract.
func (a *Accessor) CreateBatch(ctx context.Context, paths []string, recs []*model.Record) BatchResult {
	result := BatchResult{Errors: make([]error, len(paths))}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i := range paths {
		i := i
		g.Go(func() error {
			result.Errors[i] = a.conn.Create(paths[i], recs[i], false)
			return nil
		})
	}
	g.Wait()

	// Second pass: fill in missing parents, then retry the original op.
	for i := range paths {
		if errors.Is(result.Errors[i], ErrNoNode) {
			_, err := a.EnsureCreate(paths[i], recs[i], false)
			result.Errors[i] = err
		}
	}
	return result
}

// SetBatch issues unconditional sets for all paths concurrently, creating
// missing nodes in a second pass.
func (a *Accessor) SetBatch(ctx context.Context, paths []string, recs []*model.Record) BatchResult {
	result := BatchResult{Errors: make([]error, len(paths))}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i := range paths {
		i := i
		g.Go(func() error {
			_, err := a.conn.Set(paths[i], recs[i], AnyVersion)
			result.Errors[i] = err
			return nil
		})
	}
	g.Wait()

	for i := range paths {
		if errors.Is(result.Errors[i], ErrNoNode) {
			_, err := a.EnsureCreate(paths[i], recs[i], false)
			if errors.Is(err, ErrNodeExists) {
				_, err = a.conn.Set(paths[i], recs[i], AnyVersion)
			}
			result.Errors[i] = err
		}
	}
	return result
}

// GetBatch reads all paths concurrently. Missing nodes yield a nil record
// and ErrNoNode in the result.
func (a *Accessor) GetBatch(ctx context.Context, paths []string) ([]*model.Record, BatchResult) {
	recs := make([]*model.Record, len(paths))
	result := BatchResult{Errors: make([]error, len(paths))}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i := range paths {
		i := i
		g.Go(func() error {
			rec, _, err := a.conn.Get(paths[i])
			recs[i], result.Errors[i] = rec, err
			return nil
		})
	}
	g.Wait()
	return recs, result
}

// RemoveBatch deletes all paths concurrently, unconditionally. Missing
// nodes are treated as success.
func (a *Accessor) RemoveBatch(ctx context.Context, paths []string) BatchResult {
	result := BatchResult{Errors: make([]error, len(paths))}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i := range paths {
		i := i
		g.Go(func() error {
			err := a.conn.Delete(paths[i], AnyVersion)
			if errors.Is(err, ErrNoNode) {
				err = nil
			}
			result.Errors[i] = err
			return nil
		})
	}
	g.Wait()
	return result
}

// Rollback best-effort deletes paths created by an aborted multi-step
// operation, deepest first.
func (a *Accessor) Rollback(created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		_ = a.conn.Delete(created[i], AnyVersion)
	}
}

// Typed helpers. These read and write the entities of pkg/model at their
// canonical paths.

// ClusterConfig reads the cluster config.
func (a *Accessor) ClusterConfig() (*model.ClusterConfig, error) {
	rec, _, err := a.conn.Get(a.keys.ClusterConfig())
	if err != nil {
		return nil, err
	}
	return model.ClusterConfigFromRecord(rec), nil
}

// InstanceConfigs reads all participant configs keyed by instance name.
func (a *Accessor) InstanceConfigs(ctx context.Context) (map[string]*model.InstanceConfig, error) {
	return readChildMap(ctx, a, a.keys.ParticipantConfigs(), model.InstanceConfigFromRecord)
}

// LiveInstances reads all live instances keyed by instance name.
func (a *Accessor) LiveInstances(ctx context.Context) (map[string]*model.LiveInstance, error) {
	return readChildMap(ctx, a, a.keys.LiveInstances(), model.LiveInstanceFromRecord)
}

// IdealStates reads all ideal states keyed by resource name.
func (a *Accessor) IdealStates(ctx context.Context) (map[string]*model.IdealState, error) {
	return readChildMap(ctx, a, a.keys.IdealStates(), model.IdealStateFromRecord)
}

// StateModelDefRecords reads all state model definition records by name.
func (a *Accessor) StateModelDefRecords(ctx context.Context) (map[string]*model.Record, error) {
	return readChildMap(ctx, a, a.keys.StateModelDefs(), func(r *model.Record) *model.Record { return r })
}

// CurrentState reads one (instance, session, resource) current state, or
// nil if absent.
func (a *Accessor) CurrentState(instance, session, resource string) (*model.CurrentState, error) {
	rec, _, err := a.conn.Get(a.keys.CurrentState(instance, session, resource))
	if errors.Is(err, ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.CurrentStateFromRecord(rec), nil
}

// CurrentStates reads all current states for one instance session keyed
// by resource name.
func (a *Accessor) CurrentStates(ctx context.Context, instance, session string) (map[string]*model.CurrentState, error) {
	states, err := readChildMap(ctx, a, a.keys.CurrentStateSession(instance, session), model.CurrentStateFromRecord)
	if errors.Is(err, ErrNoNode) {
		return map[string]*model.CurrentState{}, nil
	}
	return states, err
}

// Messages reads all pending messages on an instance queue keyed by id.
func (a *Accessor) Messages(ctx context.Context, instance string) (map[string]*model.Message, error) {
	msgs, err := readChildMap(ctx, a, a.keys.Messages(instance), model.MessageFromRecord)
	if errors.Is(err, ErrNoNode) {
		return map[string]*model.Message{}, nil
	}
	return msgs, err
}

// ExternalView reads one resource's external view, or nil if absent.
func (a *Accessor) ExternalView(resource string) (*model.ExternalView, error) {
	rec, _, err := a.conn.Get(a.keys.ExternalView(resource))
	if errors.Is(err, ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ExternalViewFromRecord(rec), nil
}

func readChildMap[T any](ctx context.Context, a *Accessor, dir string, wrap func(*model.Record) T) (map[string]T, error) {
	names, err := a.conn.GetChildren(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = dir + "/" + name
	}
	recs, result := a.GetBatch(ctx, paths)
	out := make(map[string]T, len(names))
	for i, name := range names {
		if result.Errors[i] != nil {
			// Deleted between list and read; skip.
			if errors.Is(result.Errors[i], ErrNoNode) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", paths[i], result.Errors[i])
		}
		if recs[i] == nil {
			continue
		}
		out[name] = wrap(recs[i])
	}
	return out, nil
}
