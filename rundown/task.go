package rundown

import (
	"sync"
	"time"
)

// cancellable scheduled tasks keyed by a logical name.
// a reschedule supersedes the previous timer for the same key, so the race
// between "new edit arrives" and "timer fires" resolves deterministically:
// the superseded timer never runs its task.

type TimerHandle interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, task func()) TimerHandle
}

type systemClock struct{}

func SystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) AfterFunc(delay time.Duration, task func()) TimerHandle {
	return time.AfterFunc(delay, task)
}

type scheduledTask struct {
	handle     TimerHandle
	generation uint64
}

type TaskScheduler struct {
	clock Clock

	stateLock      sync.Mutex
	tasks          map[string]*scheduledTask
	nextGeneration uint64
}

func NewTaskScheduler(clock Clock) *TaskScheduler {
	return &TaskScheduler{
		clock: clock,
		tasks: map[string]*scheduledTask{},
	}
}

func (self *TaskScheduler) Clock() Clock {
	return self.clock
}

// schedules `task` to run after `delay`. an existing task under the same key
// is cancelled and replaced.
func (self *TaskScheduler) Schedule(key string, delay time.Duration, task func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if previous, ok := self.tasks[key]; ok {
		previous.handle.Stop()
	}

	self.nextGeneration += 1
	generation := self.nextGeneration

	handle := self.clock.AfterFunc(delay, func() {
		fire := false
		self.stateLock.Lock()
		if current, ok := self.tasks[key]; ok && current.generation == generation {
			delete(self.tasks, key)
			fire = true
		}
		self.stateLock.Unlock()
		// a fire that lost to a reschedule or cancel is dropped
		if fire {
			task()
		}
	})
	self.tasks[key] = &scheduledTask{
		handle:     handle,
		generation: generation,
	}
}

func (self *TaskScheduler) Cancel(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current, ok := self.tasks[key]
	if !ok {
		return false
	}
	current.handle.Stop()
	delete(self.tasks, key)
	return true
}

func (self *TaskScheduler) Pending(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.tasks[key]
	return ok
}

func (self *TaskScheduler) CancelAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key, current := range self.tasks {
		current.handle.Stop()
		delete(self.tasks, key)
	}
}
