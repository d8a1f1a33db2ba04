package collection

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// a synchronous, hot, multicast stream.
// values are delivered on the goroutine that calls `Next`. Inside a collection
// that is always the collection scheduler, so listeners never run concurrently.
// `Subscribe` may be called from any goroutine.
//
// a remembered stream keeps its latest value and replays it to each new listener.
type Stream[T any] struct {
	stateLock sync.Mutex
	// copy on write
	listeners []*streamListener[T]
	remember  bool
	hasLast   bool
	last      T
	completed bool
}

type streamListener[T any] struct {
	next     func(T)
	complete func()
	active   atomic.Bool
}

func NewStream[T any]() *Stream[T] {
	return &Stream[T]{}
}

func NewRememberStream[T any]() *Stream[T] {
	return &Stream[T]{
		remember: true,
	}
}

// a completed stream that replays `value` to every listener.
// streams are hot and replay only their latest value, so there is no
// multi-value form; a sequence would reach late listeners as its last value only
func Of[T any](value T) *Stream[T] {
	stream := NewRememberStream[T]()
	stream.Next(value)
	stream.Complete()
	return stream
}

// a stream that never emits and never completes
func Never[T any]() *Stream[T] {
	return NewStream[T]()
}

func (self *Stream[T]) Subscribe(next func(T)) (unsubscribe func()) {
	return self.SubscribeWithComplete(next, nil)
}

func (self *Stream[T]) SubscribeWithComplete(next func(T), complete func()) (unsubscribe func()) {
	listener := &streamListener[T]{
		next:     next,
		complete: complete,
	}
	listener.active.Store(true)

	self.stateLock.Lock()
	replay := self.remember && self.hasLast
	last := self.last
	completed := self.completed
	if !completed {
		nextListeners := slices.Clone(self.listeners)
		nextListeners = append(nextListeners, listener)
		self.listeners = nextListeners
	}
	self.stateLock.Unlock()

	if replay {
		next(last)
	}
	if completed {
		listener.active.Store(false)
		if complete != nil {
			complete()
		}
	}

	return func() {
		listener.active.Store(false)

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := slices.Index(self.listeners, listener)
		if i < 0 {
			return
		}
		nextListeners := slices.Clone(self.listeners)
		self.listeners = slices.Delete(nextListeners, i, i+1)
	}
}

func (self *Stream[T]) Next(value T) {
	self.stateLock.Lock()
	if self.completed {
		self.stateLock.Unlock()
		return
	}
	if self.remember {
		self.last = value
		self.hasLast = true
	}
	listeners := self.listeners
	self.stateLock.Unlock()

	for _, listener := range listeners {
		// a listener removed during this emission is skipped
		if listener.active.Load() {
			listener.next(value)
		}
	}
}

func (self *Stream[T]) Complete() {
	self.stateLock.Lock()
	if self.completed {
		self.stateLock.Unlock()
		return
	}
	self.completed = true
	listeners := self.listeners
	self.listeners = nil
	self.stateLock.Unlock()

	for _, listener := range listeners {
		if listener.active.Swap(false) && listener.complete != nil {
			listener.complete()
		}
	}
}

func (self *Stream[T]) Last() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.last, self.hasLast
}

func (self *Stream[T]) Completed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.completed
}

func (self *Stream[T]) ListenerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.listeners)
}

func (self *Stream[T]) Remembers() bool {
	return self.remember
}

// derived streams remember when their input does,
// so a replayed value is not lost between operators
func newStreamLike[T any](remember bool) *Stream[T] {
	return &Stream[T]{
		remember: remember,
	}
}

func Map[A any, B any](stream *Stream[A], f func(A) B) *Stream[B] {
	out := newStreamLike[B](stream.Remembers())
	stream.SubscribeWithComplete(func(value A) {
		out.Next(f(value))
	}, out.Complete)
	return out
}

func Filter[T any](stream *Stream[T], keep func(T) bool) *Stream[T] {
	out := newStreamLike[T](stream.Remembers())
	stream.SubscribeWithComplete(func(value T) {
		if keep(value) {
			out.Next(value)
		}
	}, out.Complete)
	return out
}

// skips the first `n` values
func Drop[T any](stream *Stream[T], n int) *Stream[T] {
	out := newStreamLike[T](stream.Remembers())
	seen := 0
	stream.SubscribeWithComplete(func(value T) {
		if seen < n {
			seen += 1
			return
		}
		out.Next(value)
	}, out.Complete)
	return out
}

// forwards the first `n` values then completes.
// the output remembers, so a listener attached after the values passed still sees the last one
func Take[T any](stream *Stream[T], n int) *Stream[T] {
	out := NewRememberStream[T]()
	if n <= 0 {
		out.Complete()
		return out
	}
	taken := 0
	var unsubscribe func()
	done := false
	unsubscribe = stream.SubscribeWithComplete(func(value T) {
		if done {
			return
		}
		taken += 1
		out.Next(value)
		if n <= taken {
			done = true
			out.Complete()
			if unsubscribe != nil {
				unsubscribe()
			}
		}
	}, out.Complete)
	// the upstream may have replayed synchronously inside subscribe
	if done {
		unsubscribe()
	}
	return out
}

func Remember[T any](stream *Stream[T]) *Stream[T] {
	out := NewRememberStream[T]()
	stream.SubscribeWithComplete(out.Next, out.Complete)
	return out
}

// forwards values but never completes
func Always[T any](stream *Stream[T]) *Stream[T] {
	out := NewRememberStream[T]()
	stream.Subscribe(out.Next)
	return out
}

// fan-in. Completes when every input has completed
func MergeStreams[T any](streams ...*Stream[T]) *Stream[T] {
	out := NewStream[T]()
	if len(streams) == 0 {
		return out
	}
	open := len(streams)
	for _, stream := range streams {
		stream.SubscribeWithComplete(out.Next, func() {
			open -= 1
			if open == 0 {
				out.Complete()
			}
		})
	}
	return out
}

// emits `seed` then each accumulated value
func Fold[T any, S any](stream *Stream[T], f func(S, T) S, seed S) *Stream[S] {
	out := NewRememberStream[S]()
	out.Next(seed)
	acc := seed
	stream.SubscribeWithComplete(func(value T) {
		acc = f(acc, value)
		out.Next(acc)
	}, out.Complete)
	return out
}

// combine-latest over a fixed set of streams.
// `emit` is called with a fresh slice each time any input emits,
// once every input has emitted at least once. An empty set emits an empty slice once.
// `stop` detaches from every input.
func combineLatest[T any](streams []*Stream[T], emit func([]T)) (stop func()) {
	if len(streams) == 0 {
		emit([]T{})
		return func() {}
	}

	latest := make([]T, len(streams))
	has := make([]bool, len(streams))
	count := 0
	stopped := false

	unsubscribes := make([]func(), 0, len(streams))
	for i, stream := range streams {
		unsubscribe := stream.Subscribe(func(value T) {
			if stopped {
				return
			}
			latest[i] = value
			if !has[i] {
				has[i] = true
				count += 1
			}
			if count == len(streams) {
				emit(slices.Clone(latest))
			}
		})
		unsubscribes = append(unsubscribes, unsubscribe)
	}

	return func() {
		stopped = true
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
}

func Combine[T any](streams ...*Stream[T]) *Stream[[]T] {
	out := NewRememberStream[[]T]()
	combineLatest(streams, out.Next)
	return out
}

// emits a value only after `timeout` has passed without a newer value.
// timers are created on `scheduler`, so the output is delivered on the scheduler.
// a superseded timer never emits, even if it already fired and is queued
func Debounce[T any](stream *Stream[T], scheduler Scheduler, timeout time.Duration) *Stream[T] {
	out := NewStream[T]()

	var timer Timer
	var generation uint64
	var pending T
	hasPending := false

	stream.SubscribeWithComplete(func(value T) {
		generation += 1
		g := generation
		pending = value
		hasPending = true
		if timer != nil {
			timer.Stop()
		}
		timer = scheduler.AfterFunc(timeout, func() {
			if g != generation {
				return
			}
			hasPending = false
			out.Next(value)
		})
	}, func() {
		generation += 1
		if timer != nil {
			timer.Stop()
		}
		if hasPending {
			hasPending = false
			out.Next(pending)
		}
		out.Complete()
	})

	return out
}
