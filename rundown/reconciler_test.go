package rundown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type syncRecorder struct {
	mutex sync.Mutex

	docs           []*RundownDocument
	preserveItemId string
	preserveField  string
}

func (self *syncRecorder) apply(doc *RundownDocument, preserveItemId string, preserveField string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.docs = append(self.docs, doc)
	self.preserveItemId = preserveItemId
	self.preserveField = preserveField
}

func (self *syncRecorder) syncCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.docs)
}

func testReconcilerSettings() *VersionReconcilerSettings {
	return &VersionReconcilerSettings{
		// effectively disabled so only ForceCheck drives checks
		HeartbeatInterval:    1 * time.Hour,
		VisibilityCheckDelay: 1 * time.Millisecond,
		CheckTimeout:         1 * time.Second,
	}
}

func TestReconcilerVersionMatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 3,
	})

	recorder := &syncRecorder{}
	reconciler := NewVersionReconciler(
		ctx,
		"doc1",
		store,
		recorder.apply,
		nil,
		NewTaskScheduler(SystemClock()),
		testReconcilerSettings(),
	)
	defer reconciler.Close()
	reconciler.AdvanceVersion(3)

	reconciler.ForceCheck()
	waitFor(t, 1*time.Second, func() bool {
		metaFetches, _ := store.counts()
		return 1 <= metaFetches
	})

	// matching versions never trigger a full fetch
	_, fullFetches := store.counts()
	assert.Equal(t, 0, fullFetches)
	assert.Equal(t, 0, recorder.syncCount())
	assert.Equal(t, int64(3), reconciler.LocalVersion())
}

func TestReconcilerVersionMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 4,
		Title:      "Evening Show",
	})

	recorder := &syncRecorder{}
	focus := func() (string, string, bool) {
		return "item1", "script", true
	}
	reconciler := NewVersionReconciler(
		ctx,
		"doc1",
		store,
		recorder.apply,
		focus,
		NewTaskScheduler(SystemClock()),
		testReconcilerSettings(),
	)
	defer reconciler.Close()
	reconciler.AdvanceVersion(3)

	reconciler.ForceCheck()
	waitFor(t, 1*time.Second, func() bool {
		return recorder.syncCount() == 1
	})
	waitFor(t, 1*time.Second, func() bool {
		return reconciler.LocalVersion() == 4
	})

	// exactly one full fetch, the focused cell flagged for preservation
	_, fullFetches := store.counts()
	assert.Equal(t, 1, fullFetches)
	assert.Equal(t, "item1", recorder.preserveItemId)
	assert.Equal(t, "script", recorder.preserveField)
	assert.Equal(t, "Evening Show", recorder.docs[0].Title)

	// the advanced version makes the next check a no-op
	reconciler.ForceCheck()
	waitFor(t, 1*time.Second, func() bool {
		metaFetches, _ := store.counts()
		return 2 <= metaFetches
	})
	waitFor(t, 1*time.Second, func() bool {
		return reconciler.State() == ReconcilerIdle
	})
	assert.Equal(t, 1, recorder.syncCount())
}

func TestReconcilerCheckFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore()
	store.metaErr = ErrDocumentNotFound

	recorder := &syncRecorder{}
	reconciler := NewVersionReconciler(
		ctx,
		"doc1",
		store,
		recorder.apply,
		nil,
		NewTaskScheduler(SystemClock()),
		testReconcilerSettings(),
	)
	defer reconciler.Close()

	reconciler.ForceCheck()
	waitFor(t, 1*time.Second, func() bool {
		return reconciler.Degraded()
	})

	// degraded, not syncing
	assert.Equal(t, 0, recorder.syncCount())

	// recovery on the next check
	store.mutex.Lock()
	store.metaErr = nil
	store.mutex.Unlock()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 1,
	})

	reconciler.ForceCheck()
	waitFor(t, 1*time.Second, func() bool {
		return !reconciler.Degraded()
	})
}

func TestReconcilerAdvanceVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 1,
	})

	recorder := &syncRecorder{}
	reconciler := NewVersionReconciler(
		ctx,
		"doc1",
		store,
		recorder.apply,
		nil,
		NewTaskScheduler(SystemClock()),
		testReconcilerSettings(),
	)
	defer reconciler.Close()

	reconciler.AdvanceVersion(5)
	assert.Equal(t, int64(5), reconciler.LocalVersion())

	// versions never move backwards
	reconciler.AdvanceVersion(2)
	assert.Equal(t, int64(5), reconciler.LocalVersion())
}

func TestReconcilerVisibilityRegained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryDocumentStore()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 1,
	})

	recorder := &syncRecorder{}
	clock := newManualClock()
	scheduler := NewTaskScheduler(clock)
	reconciler := NewVersionReconciler(
		ctx,
		"doc1",
		store,
		recorder.apply,
		nil,
		scheduler,
		testReconcilerSettings(),
	)
	defer reconciler.Close()
	reconciler.AdvanceVersion(1)

	reconciler.HandleVisibilityRegained()
	metaFetches, _ := store.counts()
	assert.Equal(t, 0, metaFetches)

	clock.advance(2 * time.Millisecond)
	waitFor(t, 1*time.Second, func() bool {
		metaFetches, _ := store.counts()
		return 1 <= metaFetches
	})
}
