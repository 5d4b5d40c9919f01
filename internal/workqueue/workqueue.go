// Package workqueue runs closures in FIFO order per group, with groups running concurrently.
package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
)

// DefaultGroup is the key used by QueueDefault. It is never removed.
const DefaultGroup = ""

// ErrClosed is returned by Queue after Close.
var ErrClosed = errors.New("workqueue: closed")

// Options configures a Queue.
type Options struct {
	// Linger is how long an idle group keeps its goroutine before it is dropped.
	Linger time.Duration
	// Shards is the number of independently locked group maps.
	Shards int
	Logger *slog.Logger
}

type group struct {
	key     string
	items   []func()
	running bool
	wake    chan struct{}
}

type shard struct {
	mu     sync.Mutex
	groups map[string]*group
}

// Queue is a grouped work queue. The zero value is not usable; call New.
type Queue struct {
	opts    Options
	shards  []*shard
	started *atomic.Bool
	closed  *atomic.Bool
	workers sync.WaitGroup

	// closeMu orders pending.Add in Queue against pending.Wait in Close.
	closeMu sync.RWMutex
	pending sync.WaitGroup
}

// New returns a running queue.
func New(opts Options) *Queue {
	if opts.Linger <= 0 {
		opts.Linger = 200 * time.Millisecond
	}
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	q := &Queue{
		opts:    opts,
		shards:  make([]*shard, opts.Shards),
		started: atomic.NewBool(true),
		closed:  atomic.NewBool(false),
	}
	for i := range q.shards {
		q.shards[i] = &shard{groups: make(map[string]*group)}
	}
	q.shards[q.shardIndex(DefaultGroup)].groups[DefaultGroup] = newGroup(DefaultGroup)
	return q
}

func newGroup(key string) *group {
	return &group{key: key, wake: make(chan struct{}, 1)}
}

func (q *Queue) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(q.shards)))
}

// Queue appends fn to group.
func (q *Queue) Queue(key string, fn func()) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed.Load() {
		return ErrClosed
	}
	s := q.shards[q.shardIndex(key)]
	s.mu.Lock()
	g, ok := s.groups[key]
	if !ok {
		g = newGroup(key)
		s.groups[key] = g
	}
	q.pending.Add(1)
	g.items = append(g.items, fn)
	q.kick(s, g)
	s.mu.Unlock()
	return nil
}

// QueueDefault appends fn to the default group.
func (q *Queue) QueueDefault(fn func()) error {
	return q.Queue(DefaultGroup, fn)
}

// kick starts or wakes the group's worker. Callers hold s.mu.
func (q *Queue) kick(s *shard, g *group) {
	if !q.started.Load() {
		return
	}
	if !g.running {
		g.running = true
		q.workers.Add(1)
		go q.run(s, g)
		return
	}
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Start resumes a stopped queue.
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for _, s := range q.shards {
		s.mu.Lock()
		for _, g := range s.groups {
			if len(g.items) > 0 {
				q.kick(s, g)
			}
		}
		s.mu.Unlock()
	}
}

// Stop pauses the queue. Running items finish; pending items wait for Start.
func (q *Queue) Stop() {
	if !q.started.CompareAndSwap(true, false) {
		return
	}
	q.wakeAll()
}

func (q *Queue) wakeAll() {
	for _, s := range q.shards {
		s.mu.Lock()
		for _, g := range s.groups {
			select {
			case g.wake <- struct{}{}:
			default:
			}
		}
		s.mu.Unlock()
	}
}

// Close refuses new work, runs what is pending and waits for the workers to exit.
// A stopped queue is started so that it can drain.
func (q *Queue) Close(ctx context.Context) error {
	q.closeMu.Lock()
	q.closed.Store(true)
	q.closeMu.Unlock()
	q.Start()

	drained := make(chan struct{})
	go func() {
		q.pending.Wait()
		q.wakeAll()
		q.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Groups returns the number of groups currently known, the default group included.
func (q *Queue) Groups() int {
	n := 0
	for _, s := range q.shards {
		s.mu.Lock()
		n += len(s.groups)
		s.mu.Unlock()
	}
	return n
}

func (q *Queue) run(s *shard, g *group) {
	defer q.workers.Done()
	timer := time.NewTimer(q.opts.Linger)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if !q.started.Load() {
			g.running = false
			s.mu.Unlock()
			return
		}
		if len(g.items) == 0 {
			if q.closed.Load() {
				q.retire(s, g)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()

			timer.Reset(q.opts.Linger)
			select {
			case <-g.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}

			s.mu.Lock()
			if len(g.items) == 0 {
				q.retire(s, g)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			continue
		}
		fn := g.items[0]
		g.items[0] = nil
		g.items = g.items[1:]
		s.mu.Unlock()

		q.exec(g.key, fn)
	}
}

// retire marks the worker gone and drops the group unless it is the default.
// Callers hold s.mu.
func (q *Queue) retire(s *shard, g *group) {
	g.running = false
	if g.key != DefaultGroup {
		delete(s.groups, g.key)
	}
}

func (q *Queue) exec(key string, fn func()) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			q.opts.Logger.Error("Work item panicked", "group", key, "panic", r)
		}
	}()
	fn()
}
