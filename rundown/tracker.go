package rundown

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// the broadcast channel delivers a client's own updates back to itself.
// while an update id is tracked here, an inbound operation carrying the same
// id is a self-echo and must be discarded, not re-applied.

type TrackedUpdate struct {
	UpdateId  string
	Context   string
	Timestamp time.Time
}

type trackedUpdateKey struct {
	context  string
	updateId string
}

type OwnUpdateTrackerSettings struct {
	Ttl time.Duration
}

func DefaultOwnUpdateTrackerSettings() *OwnUpdateTrackerSettings {
	return &OwnUpdateTrackerSettings{
		Ttl: 30 * time.Second,
	}
}

type OwnUpdateTracker struct {
	scheduler *TaskScheduler
	settings  *OwnUpdateTrackerSettings

	stateLock      sync.Mutex
	trackedUpdates map[trackedUpdateKey]*TrackedUpdate
}

func NewOwnUpdateTrackerWithDefaults(scheduler *TaskScheduler) *OwnUpdateTracker {
	return NewOwnUpdateTracker(scheduler, DefaultOwnUpdateTrackerSettings())
}

func NewOwnUpdateTracker(scheduler *TaskScheduler, settings *OwnUpdateTrackerSettings) *OwnUpdateTracker {
	return &OwnUpdateTracker{
		scheduler:      scheduler,
		settings:       settings,
		trackedUpdates: map[trackedUpdateKey]*TrackedUpdate{},
	}
}

func taskKeyForUpdate(key trackedUpdateKey) string {
	return "track/" + key.context + "\x00" + key.updateId
}

// registers an update as self-originated in the global scope
func (self *OwnUpdateTracker) Track(updateId string) {
	self.TrackInContext(updateId, "", self.settings.Ttl)
}

// tracking is context-scoped: the same update id may be tracked independently
// for different documents or subsystems without collision.
// re-tracking the same id refreshes its timer rather than duplicating it.
func (self *OwnUpdateTracker) TrackInContext(updateId string, context string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = self.settings.Ttl
	}
	key := trackedUpdateKey{
		context:  context,
		updateId: updateId,
	}

	tracked := &TrackedUpdate{
		UpdateId:  updateId,
		Context:   context,
		Timestamp: self.scheduler.Clock().Now(),
	}

	self.stateLock.Lock()
	self.trackedUpdates[key] = tracked
	self.stateLock.Unlock()

	self.scheduler.Schedule(taskKeyForUpdate(key), ttl, func() {
		self.expire(key, tracked)
	})
}

// a superseded timer can still be in flight while a renewal rewrites the map
// entry, so expiry only removes the exact entry it was scheduled for
func (self *OwnUpdateTracker) expire(key trackedUpdateKey, tracked *TrackedUpdate) {
	removed := false

	self.stateLock.Lock()
	if current, ok := self.trackedUpdates[key]; ok && current == tracked {
		delete(self.trackedUpdates, key)
		removed = true
	}
	self.stateLock.Unlock()

	if removed {
		glog.V(2).Infof("[track]expire %s/%s\n", key.context, key.updateId)
	}
}

func (self *OwnUpdateTracker) IsTracked(updateId string, context string) bool {
	key := trackedUpdateKey{
		context:  context,
		updateId: updateId,
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.trackedUpdates[key]
	return ok
}

func (self *OwnUpdateTracker) Remove(updateId string, context string) bool {
	key := trackedUpdateKey{
		context:  context,
		updateId: updateId,
	}

	self.stateLock.Lock()
	_, ok := self.trackedUpdates[key]
	delete(self.trackedUpdates, key)
	self.stateLock.Unlock()

	if ok {
		self.scheduler.Cancel(taskKeyForUpdate(key))
	}
	return ok
}

// purges all tracked updates in `context`
func (self *OwnUpdateTracker) Clear(context string) {
	removed := []trackedUpdateKey{}

	self.stateLock.Lock()
	for key := range self.trackedUpdates {
		if key.context == context {
			delete(self.trackedUpdates, key)
			removed = append(removed, key)
		}
	}
	self.stateLock.Unlock()

	for _, key := range removed {
		self.scheduler.Cancel(taskKeyForUpdate(key))
	}
}

func (self *OwnUpdateTracker) ClearAll() {
	removed := []trackedUpdateKey{}

	self.stateLock.Lock()
	for key := range self.trackedUpdates {
		delete(self.trackedUpdates, key)
		removed = append(removed, key)
	}
	self.stateLock.Unlock()

	for _, key := range removed {
		self.scheduler.Cancel(taskKeyForUpdate(key))
	}
}

func (self *OwnUpdateTracker) TrackedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.trackedUpdates)
}
