package rundown

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// periodically compares the locally known document version against the
// authoritative one and, on mismatch, replaces all local state with a full
// fetch. deliberately blunt: a simple, hard-to-get-wrong reconciliation loop
// over fine-grained incremental patching.

type ReconcilerState string

const (
	ReconcilerIdle     ReconcilerState = "idle"
	ReconcilerChecking ReconcilerState = "checking"
	ReconcilerSyncing  ReconcilerState = "syncing"
)

// reports the cell under active keyboard focus, if any.
// during a resync that one cell keeps its local value so in-flight typing
// is not destroyed.
type FocusFunction func() (itemId string, field string, ok bool)

// applies the authoritative document, preserving the focused cell
type SyncFunction func(doc *RundownDocument, preserveItemId string, preserveField string)

type VersionReconcilerSettings struct {
	HeartbeatInterval time.Duration
	// short delay after visibility/focus is regained, covering laptop sleep
	// and tab background scenarios
	VisibilityCheckDelay time.Duration
	CheckTimeout         time.Duration
}

func DefaultVersionReconcilerSettings() *VersionReconcilerSettings {
	return &VersionReconcilerSettings{
		HeartbeatInterval:    30 * time.Second,
		VisibilityCheckDelay: 2 * time.Second,
		CheckTimeout:         10 * time.Second,
	}
}

type VersionReconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId string
	store      DocumentStore
	apply      SyncFunction
	focus      FocusFunction
	scheduler  *TaskScheduler

	settings *VersionReconcilerSettings

	stateLock    sync.Mutex
	state        ReconcilerState
	localVersion int64
	degraded     bool

	checks chan struct{}
}

func NewVersionReconcilerWithDefaults(
	ctx context.Context,
	documentId string,
	store DocumentStore,
	apply SyncFunction,
	focus FocusFunction,
	scheduler *TaskScheduler,
) *VersionReconciler {
	return NewVersionReconciler(ctx, documentId, store, apply, focus, scheduler, DefaultVersionReconcilerSettings())
}

func NewVersionReconciler(
	ctx context.Context,
	documentId string,
	store DocumentStore,
	apply SyncFunction,
	focus FocusFunction,
	scheduler *TaskScheduler,
	settings *VersionReconcilerSettings,
) *VersionReconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	if focus == nil {
		focus = func() (string, string, bool) {
			return "", "", false
		}
	}
	reconciler := &VersionReconciler{
		ctx:        cancelCtx,
		cancel:     cancel,
		documentId: documentId,
		store:      store,
		apply:      apply,
		focus:      focus,
		scheduler:  scheduler,
		settings:   settings,
		state:      ReconcilerIdle,
		checks:     make(chan struct{}, 1),
	}
	go reconciler.run()
	return reconciler
}

func (self *VersionReconciler) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
			self.check()
		case <-self.checks:
			self.check()
		}
	}
}

// immediate out-of-band check, e.g. after a local save
func (self *VersionReconciler) ForceCheck() {
	select {
	case self.checks <- struct{}{}:
	default:
		// a check is already queued
	}
}

// saves call back here to advance the known version without waiting for the
// next heartbeat
func (self *VersionReconciler) AdvanceVersion(version int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.localVersion < version {
		self.localVersion = version
	}
}

func (self *VersionReconciler) LocalVersion() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.localVersion
}

func (self *VersionReconciler) State() ReconcilerState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *VersionReconciler) Degraded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.degraded
}

func (self *VersionReconciler) HandleVisibilityRegained() {
	self.scheduler.Schedule("reconcile/visibility", self.settings.VisibilityCheckDelay, func() {
		self.ForceCheck()
	})
}

func (self *VersionReconciler) check() {
	self.setState(ReconcilerChecking)

	checkCtx, cancel := context.WithTimeout(self.ctx, self.settings.CheckTimeout)
	meta, err := self.store.GetDocumentMeta(checkCtx, self.documentId)
	cancel()
	if err != nil {
		// degraded, not fatal. the next heartbeat tries again.
		glog.Infof("[reconcile]%s check failed = %s\n", self.documentId, err)
		self.stateLock.Lock()
		self.degraded = true
		self.state = ReconcilerIdle
		self.stateLock.Unlock()
		return
	}

	self.stateLock.Lock()
	self.degraded = false
	localVersion := self.localVersion
	self.stateLock.Unlock()

	if meta.DocVersion == localVersion {
		self.setState(ReconcilerIdle)
		return
	}

	glog.Infof("[reconcile]%s version mismatch local=v%d authoritative=v%d\n", self.documentId, localVersion, meta.DocVersion)
	self.sync()
}

func (self *VersionReconciler) sync() {
	self.setState(ReconcilerSyncing)
	defer self.setState(ReconcilerIdle)

	syncCtx, cancel := context.WithTimeout(self.ctx, self.settings.CheckTimeout)
	doc, err := self.store.GetDocument(syncCtx, self.documentId)
	cancel()
	if err != nil {
		glog.Infof("[reconcile]%s sync failed = %s\n", self.documentId, err)
		self.stateLock.Lock()
		self.degraded = true
		self.stateLock.Unlock()
		return
	}

	preserveItemId, preserveField, focused := self.focus()
	if !focused {
		preserveItemId = ""
		preserveField = ""
	}
	self.apply(doc, preserveItemId, preserveField)

	self.stateLock.Lock()
	if self.localVersion < doc.DocVersion {
		self.localVersion = doc.DocVersion
	}
	self.stateLock.Unlock()
}

func (self *VersionReconciler) setState(state ReconcilerState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
}

func (self *VersionReconciler) Close() {
	self.cancel()
}
