package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// DefaultMaxConcurrent is the per-bucket concurrency cap.
	DefaultMaxConcurrent = 5
	// gcLimit is the queue window; once the window is fully launched the
	// launched prefix is dropped.
	gcLimit = 10000
)

// Job is a unit of work. ctx is the context passed to Enqueue.
type Job func(ctx context.Context) (any, error)

// Future is the pending result of a Job.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

// Done is closed once the job has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the job settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	ctx    context.Context
	work   Job
	future *Future
}

type bucket struct {
	queue  []*job
	offset int
	active int
	wake   chan struct{}
}

// Scheduler owns the buckets. The zero value is not usable; use New.
type Scheduler struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	maxConcurrent int
	logger        *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrent overrides DefaultMaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		buckets:       make(map[string]*bucket),
		maxConcurrent: DefaultMaxConcurrent,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue appends work to the named bucket, starting its executor if the
// bucket was idle.
func (s *Scheduler) Enqueue(ctx context.Context, name string, work Job) *Future {
	f := &Future{done: make(chan struct{})}
	j := &job{ctx: ctx, work: work, future: f}

	s.mu.Lock()
	b, ok := s.buckets[name]
	if !ok {
		b = &bucket{wake: make(chan struct{}, 1)}
		s.buckets[name] = b
	}
	b.queue = append(b.queue, j)
	s.mu.Unlock()

	if ok {
		b.signal()
	} else {
		go s.run(name, b)
	}
	return f
}

// Submit is Enqueue with a typed result.
func Submit[T any](ctx context.Context, s *Scheduler, name string, work func(ctx context.Context) (T, error)) (T, error) {
	f := s.Enqueue(ctx, name, func(ctx context.Context) (any, error) { return work(ctx) })
	v, err := f.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Buckets returns the number of live buckets.
func (s *Scheduler) Buckets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (b *bucket) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(name string, b *bucket) {
	for {
		s.mu.Lock()
		limit := min(len(b.queue), gcLimit)
		for b.offset < limit && b.active < s.maxConcurrent {
			j := b.queue[b.offset]
			b.queue[b.offset] = nil
			b.offset++
			b.active++
			go s.execute(name, b, j)
		}
		if limit >= gcLimit && b.offset >= limit {
			b.queue = append([]*job(nil), b.queue[limit:]...)
			b.offset = 0
		}
		if b.offset >= len(b.queue) && b.active == 0 {
			delete(s.buckets, name)
			s.mu.Unlock()
			s.logger.Debug("bucket drained", "bucket", name)
			return
		}
		s.mu.Unlock()
		<-b.wake
	}
}

func (s *Scheduler) execute(name string, b *bucket, j *job) {
	val, err := s.call(j)
	if err != nil {
		s.logger.Debug("job failed", "bucket", name, "error", err)
	}
	j.future.val, j.future.err = val, err
	close(j.future.done)

	s.mu.Lock()
	b.active--
	s.mu.Unlock()
	b.signal()
}

func (s *Scheduler) call(j *job) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job panicked: %v", r)
		}
	}()
	return j.work(j.ctx)
}
