package controller

import (
	"errors"
	"sync"

	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/store"
)

// dirWatcher tracks a directory: child additions and removals, and
// optionally data changes on every child. Each observed change invokes
// emit with the child name ("" for a membership change). emit must not
// block.
type dirWatcher struct {
	conn      store.Conn
	dir       string
	watchData bool
	emit      func(child string)

	mu       sync.Mutex
	children map[string]store.CancelFunc
	cancel   store.CancelFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newDirWatcher(conn store.Conn, dir string, watchData bool, emit func(child string)) *dirWatcher {
	return &dirWatcher{
		conn:      conn,
		dir:       dir,
		watchData: watchData,
		emit:      emit,
		children:  make(map[string]store.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

func (w *dirWatcher) start() {
	ch, cancel := w.conn.WatchChildren(w.dir)
	w.cancel = cancel
	w.sync()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				w.sync()
				w.emit("")
			}
		}
	}()
}

// sync reconciles per-child data watches with the directory's current
// children.
func (w *dirWatcher) sync() {
	if !w.watchData {
		return
	}
	names, err := w.conn.GetChildren(w.dir)
	if err != nil {
		if !errors.Is(err, store.ErrNoNode) {
			lg := log.WithComponent("watch")
			lg.Warn().Err(err).Str("dir", w.dir).
				Msg("listing watched directory failed")
		}
		names = nil
	}

	current := make(map[string]struct{}, len(names))
	for _, name := range names {
		current[name] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}

	for name, cancel := range w.children {
		if _, ok := current[name]; !ok {
			cancel()
			delete(w.children, name)
		}
	}
	for _, name := range names {
		if _, ok := w.children[name]; ok {
			continue
		}
		child := name
		ch, cancel := w.conn.WatchData(w.dir + "/" + child)
		w.children[child] = cancel
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-w.stopCh:
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					w.emit(child)
				}
			}
		}()
	}
}

// nodeWatcher forwards data changes of a single node.
type nodeWatcher struct {
	cancel store.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func watchNode(conn store.Conn, path string, emit func()) *nodeWatcher {
	w := &nodeWatcher{stopCh: make(chan struct{})}
	ch, cancel := conn.WatchData(path)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return w
}

func (w *nodeWatcher) stop() {
	close(w.stopCh)
	w.cancel()
	w.wg.Wait()
}

func (w *dirWatcher) stop() {
	w.mu.Lock()
	select {
	case <-w.stopCh:
		w.mu.Unlock()
		return
	default:
	}
	close(w.stopCh)
	if w.cancel != nil {
		w.cancel()
	}
	for _, cancel := range w.children {
		cancel()
	}
	w.children = make(map[string]store.CancelFunc)
	w.mu.Unlock()
	w.wg.Wait()
}
