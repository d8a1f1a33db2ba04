package collection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the single goroutine a collection runs on.
// every reduction, stream emission and timer callback of a collection is posted here,
// which serializes them without locks on the collection state
type Scheduler interface {
	// runs `f` after all previously posted work. Safe to call from any goroutine,
	// including from inside a posted function.
	Post(f func())
	// runs `f` on the scheduler after `timeout`
	AfterFunc(timeout time.Duration, f func()) Timer
	Now() time.Time
}

type Timer interface {
	// false if the timer already fired or was stopped
	Stop() bool
}

// production scheduler backed by one goroutine
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	queue     []func()
	notify    chan struct{}
}

func NewLoop(ctx context.Context) *Loop {
	cancelCtx, cancel := context.WithCancel(ctx)
	loop := &Loop{
		ctx:    cancelCtx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
	}
	go loop.run()
	return loop
}

func (self *Loop) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		for {
			self.stateLock.Lock()
			if len(self.queue) == 0 {
				self.stateLock.Unlock()
				break
			}
			f := self.queue[0]
			self.queue[0] = nil
			self.queue = self.queue[1:]
			self.stateLock.Unlock()

			HandleError(f)

			select {
			case <-self.ctx.Done():
				return
			default:
			}
		}
	}
}

func (self *Loop) Post(f func()) {
	self.stateLock.Lock()
	self.queue = append(self.queue, f)
	self.stateLock.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *Loop) AfterFunc(timeout time.Duration, f func()) Timer {
	return time.AfterFunc(timeout, func() {
		self.Post(f)
	})
}

func (self *Loop) Now() time.Time {
	return time.Now()
}

func (self *Loop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Loop) Close() {
	self.cancel()
}

// deterministic scheduler with a manually advanced clock.
// posted work runs immediately on the posting goroutine unless work is already
// running, in which case it is queued behind it. Work never runs concurrently.
type VirtualScheduler struct {
	stateLock sync.Mutex
	now       time.Time
	queue     []func()
	draining  bool
	timers    []*virtualTimer
	timerSeq  uint64
}

type virtualTimer struct {
	scheduler *VirtualScheduler
	deadline  time.Time
	seq       uint64
	f         func()
	done      bool
}

func NewVirtualScheduler() *VirtualScheduler {
	return &VirtualScheduler{
		now: time.Unix(0, 0),
	}
}

func (self *VirtualScheduler) Post(f func()) {
	self.stateLock.Lock()
	self.queue = append(self.queue, f)
	if self.draining {
		self.stateLock.Unlock()
		return
	}
	self.draining = true
	self.stateLock.Unlock()

	self.drain()
}

func (self *VirtualScheduler) drain() {
	for {
		self.stateLock.Lock()
		if len(self.queue) == 0 {
			self.draining = false
			self.stateLock.Unlock()
			return
		}
		f := self.queue[0]
		self.queue = self.queue[1:]
		self.stateLock.Unlock()

		HandleError(f)
	}
}

func (self *VirtualScheduler) AfterFunc(timeout time.Duration, f func()) Timer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.timerSeq += 1
	timer := &virtualTimer{
		scheduler: self,
		deadline:  self.now.Add(timeout),
		seq:       self.timerSeq,
		f:         f,
	}
	self.timers = append(self.timers, timer)
	return timer
}

func (self *VirtualScheduler) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.now
}

// time since the scheduler was created
func (self *VirtualScheduler) Elapsed() time.Duration {
	return self.Now().Sub(time.Unix(0, 0))
}

// moves the clock forward, firing due timers in deadline order.
// each timer observes `Now()` equal to its deadline
func (self *VirtualScheduler) Advance(d time.Duration) {
	self.stateLock.Lock()
	target := self.now.Add(d)
	self.stateLock.Unlock()

	for {
		self.stateLock.Lock()
		var due []*virtualTimer
		for _, timer := range self.timers {
			if !timer.done && !timer.deadline.After(target) {
				due = append(due, timer)
			}
		}
		if len(due) == 0 {
			self.now = target
			self.compactTimers()
			self.stateLock.Unlock()
			return
		}
		sort.Slice(due, func(i int, j int) bool {
			if due[i].deadline.Equal(due[j].deadline) {
				return due[i].seq < due[j].seq
			}
			return due[i].deadline.Before(due[j].deadline)
		})
		next := due[0]
		next.done = true
		if self.now.Before(next.deadline) {
			self.now = next.deadline
		}
		self.stateLock.Unlock()

		glog.V(2).Infof("[vs]fire timer %d at %s\n", next.seq, next.deadline.Sub(time.Unix(0, 0)))
		self.Post(next.f)
	}
}

// number of timers that have not fired or been stopped
func (self *VirtualScheduler) PendingTimers() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	n := 0
	for _, timer := range self.timers {
		if !timer.done {
			n += 1
		}
	}
	return n
}

func (self *VirtualScheduler) compactTimers() {
	timers := self.timers[:0]
	for _, timer := range self.timers {
		if !timer.done {
			timers = append(timers, timer)
		}
	}
	self.timers = timers
}

func (self *virtualTimer) Stop() bool {
	self.scheduler.stateLock.Lock()
	defer self.scheduler.stateLock.Unlock()
	if self.done {
		return false
	}
	self.done = true
	return true
}
