package participant

import (
	"sync"
)

// taskKey identifies one replica on this participant.
type taskKey struct {
	resource  string
	partition string
}

// dispatcher runs tasks on a bounded pool with strict per-key
// serialization: at most one task per (resource, partition) executes at
// a time, and queued tasks for one key run in submission order. Distinct
// keys run in parallel up to the pool size.
type dispatcher struct {
	slots chan struct{}

	mu      sync.Mutex
	queues  map[taskKey][]func()
	running map[taskKey]bool
	stopped bool
	wg      sync.WaitGroup
}

func newDispatcher(poolSize int) *dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &dispatcher{
		slots:   make(chan struct{}, poolSize),
		queues:  make(map[taskKey][]func()),
		running: make(map[taskKey]bool),
	}
}

// Submit enqueues a task for the key. Tasks submitted after Stop are
// dropped.
func (d *dispatcher) Submit(key taskKey, task func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queues[key] = append(d.queues[key], task)
	if d.running[key] {
		d.mu.Unlock()
		return
	}
	d.running[key] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go d.drain(key)
}

// drain executes the key's queue to exhaustion, holding a pool slot per
// task so total concurrency stays bounded.
func (d *dispatcher) drain(key taskKey) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			d.running[key] = false
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		d.slots <- struct{}{}
		task()
		<-d.slots
	}
}

// Stop rejects new tasks and waits for queued ones to finish.
func (d *dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}
