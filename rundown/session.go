package rundown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// one explicitly constructed session per active document: created at session
// start, torn down at session end, no ambient global state.
//
// the in-memory document is owned exclusively by the reducer loop. inbound
// broadcasts, local edits, and periodic reconciliation all funnel through the
// `events` channel rather than mutating state from independent call sites.

type StateFunction func(doc *RundownDocument)

type DocumentSessionSettings struct {
	Tracker    *OwnUpdateTrackerSettings
	Batcher    *OperationBatcherSettings
	Monitor    *ConnectionMonitorSettings
	Reconciler *VersionReconcilerSettings
	Write      *OptimisticWriteSettings

	EventBufferSize int
}

func DefaultDocumentSessionSettings() *DocumentSessionSettings {
	return &DocumentSessionSettings{
		Tracker:         DefaultOwnUpdateTrackerSettings(),
		Batcher:         DefaultOperationBatcherSettings(),
		Monitor:         DefaultConnectionMonitorSettings(),
		Reconciler:      DefaultVersionReconcilerSettings(),
		Write:           DefaultOptimisticWriteSettings(),
		EventBufferSize: 128,
	}
}

type DocumentSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId string
	clientId   Id
	userId     Id

	store      DocumentStore
	transports []BroadcastTransport
	backup     *OperationBackup

	scheduler  *TaskScheduler
	tracker    *OwnUpdateTracker
	batcher    *OperationBatcher
	monitor    *ConnectionMonitor
	reconciler *VersionReconciler

	settings *DocumentSessionSettings

	stateLock          sync.Mutex
	doc                *RundownDocument
	focusItemId        string
	focusField         string
	focused            bool
	nextSequenceNumber uint64
	conflicts          []*ConflictRecord

	stateCallbacks *CallbackList[StateFunction]

	events chan func()

	unsubs []func()
}

func NewDocumentSessionWithDefaults(
	ctx context.Context,
	auth *SessionAuth,
	documentId string,
	store DocumentStore,
	transports []BroadcastTransport,
) (*DocumentSession, error) {
	return NewDocumentSession(
		ctx,
		auth,
		documentId,
		store,
		transports,
		nil,
		nil,
		SystemClock(),
		DefaultDocumentSessionSettings(),
	)
}

// `transports` holds the logical channels of the session, main document
// channel first; the others (presence/showcaller, cell broadcast) are
// watched for connection health only.
func NewDocumentSession(
	ctx context.Context,
	auth *SessionAuth,
	documentId string,
	store DocumentStore,
	transports []BroadcastTransport,
	backup *OperationBackup,
	reload ReloadFunction,
	clock Clock,
	settings *DocumentSessionSettings,
) (*DocumentSession, error) {
	if len(transports) == 0 {
		return nil, errors.New("document session needs at least the main channel transport")
	}

	claims, err := ParseSessionClaimsUnverified(auth.ByJwt)
	if err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	session := &DocumentSession{
		ctx:            cancelCtx,
		cancel:         cancel,
		documentId:     documentId,
		clientId:       claims.ClientId,
		userId:         claims.UserId,
		store:          store,
		transports:     transports,
		backup:         backup,
		settings:       settings,
		stateCallbacks: NewCallbackList[StateFunction](),
		events:         make(chan func(), settings.EventBufferSize),
		conflicts:      []*ConflictRecord{},
	}

	session.scheduler = NewTaskScheduler(clock)
	session.tracker = NewOwnUpdateTracker(session.scheduler, settings.Tracker)
	session.batcher = NewOperationBatcher(session.scheduler, session.publishBatch, settings.Batcher)
	session.monitor = NewConnectionMonitor(clock, reload, settings.Monitor)

	doc, err := store.GetDocument(cancelCtx, documentId)
	if err != nil {
		cancel()
		return nil, err
	}
	doc = doc.Copy()
	if err := InitializeSortOrders(doc.Items); err != nil {
		RegenerateSortOrders(doc.Items)
	}
	session.sortItems(doc)
	session.doc = doc

	session.reconciler = NewVersionReconciler(
		cancelCtx,
		documentId,
		store,
		session.applyAuthoritative,
		session.currentFocus,
		session.scheduler,
		settings.Reconciler,
	)
	session.reconciler.AdvanceVersion(doc.DocVersion)

	for _, transport := range transports {
		session.unsubs = append(session.unsubs, session.monitor.Watch(transport))
	}
	session.unsubs = append(session.unsubs, transports[0].AddMessageCallback(session.handleBroadcast))

	go session.run()

	if backup != nil {
		session.replayBackup()
	}

	return session, nil
}

func (self *DocumentSession) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			event()
		}
	}
}

// serializes a state mutation onto the reducer loop
func (self *DocumentSession) dispatch(event func()) {
	select {
	case self.events <- event:
	case <-self.ctx.Done():
	}
}

func (self *DocumentSession) ClientId() Id {
	return self.clientId
}

func (self *DocumentSession) Monitor() *ConnectionMonitor {
	return self.monitor
}

func (self *DocumentSession) Reconciler() *VersionReconciler {
	return self.reconciler
}

func (self *DocumentSession) Tracker() *OwnUpdateTracker {
	return self.tracker
}

// snapshot of the reconciled document
func (self *DocumentSession) Document() *RundownDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.Copy()
}

func (self *DocumentSession) SubscribeState(stateCallback StateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	self.dispatch(func() {
		stateCallback(self.Document())
	})
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *DocumentSession) notifyState() {
	snapshot := self.Document()
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(snapshot)
	}
}

// local edits

func (self *DocumentSession) EditCell(itemId string, field string, value string) error {
	op, err := NewOperation(OpEditCell, &EditCellPayload{
		ItemId: itemId,
		Field:  field,
		Value:  value,
	}, self.clientId, self.userId)
	if err != nil {
		return err
	}
	return self.submitLocal(op)
}

func (self *DocumentSession) UpdateMeta(payload *UpdateMetaPayload) error {
	op, err := NewOperation(OpUpdateMeta, payload, self.clientId, self.userId)
	if err != nil {
		return err
	}
	return self.submitLocal(op)
}

func (self *DocumentSession) UpdateShowcaller(showcaller json.RawMessage) error {
	op, err := NewOperation(OpUpdateShowcaller, &UpdateShowcallerPayload{
		Showcaller: showcaller,
	}, self.clientId, self.userId)
	if err != nil {
		return err
	}
	return self.submitLocal(op)
}

// inserts after `afterItemId`, or at the head when empty.
// the sort key is allocated here so concurrent inserts between the same
// neighbors on other clients merge by key order without coordination.
func (self *DocumentSession) InsertItemAfter(afterItemId string, item *RundownItem) error {
	doc := self.Document()
	before := ""
	after := ""
	if afterItemId == "" {
		if 0 < len(doc.Items) {
			after = doc.Items[0].SortOrder
		}
	} else {
		anchor := -1
		for i, existing := range doc.Items {
			if existing.Id == afterItemId {
				anchor = i
				break
			}
		}
		if anchor < 0 {
			return fmt.Errorf("insert after: item %s not found", afterItemId)
		}
		before = doc.Items[anchor].SortOrder
		if anchor+1 < len(doc.Items) {
			after = doc.Items[anchor+1].SortOrder
		}
	}

	sortOrder, err := GenerateKeyBetween(before, after)
	if err != nil {
		// ordering anomaly: repair the whole range, then place at the end
		self.repairSortOrders()
		doc = self.Document()
		before = ""
		if 0 < len(doc.Items) {
			before = doc.Items[len(doc.Items)-1].SortOrder
		}
		sortOrder, err = GenerateKeyBetween(before, "")
		if err != nil {
			return err
		}
	}
	item = item.Copy()
	item.SortOrder = sortOrder

	op, err := NewOperation(OpInsertItem, &InsertItemPayload{
		Item: item,
	}, self.clientId, self.userId)
	if err != nil {
		return err
	}
	return self.submitLocal(op)
}

func (self *DocumentSession) DeleteItem(itemId string) error {
	op, err := NewOperation(OpDeleteItem, &DeleteItemPayload{
		ItemId: itemId,
	}, self.clientId, self.userId)
	if err != nil {
		return err
	}
	return self.submitLocal(op)
}

// moves `itemId` between `beforeItemId` and `afterItemId` (either may be
// empty for the list edges)
func (self *DocumentSession) MoveItem(itemId string, beforeItemId string, afterItemId string) error {
	doc := self.Document()
	before := ""
	after := ""
	if beforeItem := doc.Item(beforeItemId); beforeItem != nil {
		before = beforeItem.SortOrder
	}
	if afterItem := doc.Item(afterItemId); afterItem != nil {
		after = afterItem.SortOrder
	}

	sortOrder, err := GenerateKeyBetween(before, after)
	if err != nil {
		self.repairSortOrders()
		return fmt.Errorf("move %s: %w", itemId, err)
	}

	op, err := NewOperation(OpMoveItem, &MoveItemPayload{
		ItemId:    itemId,
		SortOrder: sortOrder,
	}, self.clientId, self.userId)
	if err != nil {
		return err
	}
	return self.submitLocal(op)
}

func (self *DocumentSession) CopyItem(sourceItemId string) error {
	doc := self.Document()
	source := doc.Item(sourceItemId)
	if source == nil {
		return fmt.Errorf("copy: item %s not found", sourceItemId)
	}
	item := source.Copy()
	item.Id = NewId().String()
	item.SortOrder = ""

	op, err := NewOperation(OpCopyItem, &CopyItemPayload{
		SourceItemId: sourceItemId,
		Item:         item,
	}, self.clientId, self.userId)
	if err != nil {
		return err
	}
	return self.submitLocal(op)
}

func (self *DocumentSession) SetFocus(itemId string, field string) {
	self.stateLock.Lock()
	self.focusItemId = itemId
	self.focusField = field
	self.focused = true
	self.stateLock.Unlock()

	op, err := NewOperation(OpFocusCell, &FocusCellPayload{
		ItemId: itemId,
		Field:  field,
	}, self.clientId, self.userId)
	if err == nil {
		self.submitLocal(op)
	}
}

func (self *DocumentSession) ClearFocus() {
	self.stateLock.Lock()
	self.focusItemId = ""
	self.focusField = ""
	self.focused = false
	self.stateLock.Unlock()
}

func (self *DocumentSession) currentFocus() (string, string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.focusItemId, self.focusField, self.focused
}

func isStructural(opType OperationType) bool {
	return ClassifyOperation(opType) == TierCold
}

func (self *DocumentSession) submitLocal(op *Operation) error {
	self.stateLock.Lock()
	self.nextSequenceNumber += 1
	op.SequenceNumber = self.nextSequenceNumber
	self.stateLock.Unlock()

	// structural operations survive a hard store failure
	if self.backup != nil && isStructural(op.Type) {
		if err := self.backup.SaveOperation(self.documentId, op); err != nil {
			glog.Infof("[session]%s backup error = %s\n", self.documentId, err)
		}
	}

	self.dispatch(func() {
		self.applyOperation(op)
		self.notifyState()
	})
	self.batcher.Enqueue(op)
	return nil
}

// one network send of one tier batch
func (self *DocumentSession) publishBatch(tier OperationTier, ops []*Operation) {
	envelope := &BroadcastEnvelope{
		UpdateId:   NewId().String(),
		DocumentId: self.documentId,
		ClientId:   self.clientId,
		Operations: ops,
	}
	envelopeBytes, err := EncodeEnvelope(envelope)
	if err != nil {
		glog.Infof("[session]%s encode error = %s\n", self.documentId, err)
		return
	}

	// register before publish so the echo is already suppressed when it lands
	self.tracker.TrackInContext(envelope.UpdateId, self.documentId, 0)

	if err := self.transports[0].Publish(envelopeBytes); err != nil {
		glog.Infof("[session]%s publish error = %s\n", self.documentId, err)
	}
}

func (self *DocumentSession) handleBroadcast(channelName string, message []byte) {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		glog.V(2).Infof("[session]%s drop malformed broadcast\n", self.documentId)
		return
	}
	if envelope.DocumentId != self.documentId {
		return
	}
	if self.tracker.IsTracked(envelope.UpdateId, self.documentId) {
		// self-echo; re-applying would corrupt cursor state and duplicate
		// undo entries
		glog.V(2).Infof("[session]%s discard echo %s\n", self.documentId, envelope.UpdateId)
		return
	}

	self.dispatch(func() {
		for _, op := range envelope.Operations {
			self.applyOperation(op)
		}
		self.notifyState()
	})
}

// runs on the reducer loop only
func (self *DocumentSession) applyOperation(op *Operation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc := self.doc

	switch op.Type {
	case OpEditCell:
		payload := &EditCellPayload{}
		if err := json.Unmarshal(op.Payload, payload); err != nil {
			return
		}
		if item := doc.Item(payload.ItemId); item != nil {
			item.Fields[payload.Field] = payload.Value
		}
	case OpFocusCell:
		// presence only, no document effect
	case OpUpdateMeta:
		payload := &UpdateMetaPayload{}
		if err := json.Unmarshal(op.Payload, payload); err != nil {
			return
		}
		if payload.Title != nil {
			doc.Title = *payload.Title
		}
		if payload.StartTime != nil {
			doc.StartTime = *payload.StartTime
		}
		if payload.Timezone != nil {
			doc.Timezone = *payload.Timezone
		}
	case OpUpdateShowcaller:
		payload := &UpdateShowcallerPayload{}
		if err := json.Unmarshal(op.Payload, payload); err != nil {
			return
		}
		doc.Showcaller = payload.Showcaller
	case OpInsertItem:
		payload := &InsertItemPayload{}
		if err := json.Unmarshal(op.Payload, payload); err != nil || payload.Item == nil {
			return
		}
		if doc.Item(payload.Item.Id) == nil {
			doc.Items = append(doc.Items, payload.Item)
			self.sortItems(doc)
		}
	case OpDeleteItem:
		payload := &DeleteItemPayload{}
		if err := json.Unmarshal(op.Payload, payload); err != nil {
			return
		}
		doc.RemoveItem(payload.ItemId)
	case OpMoveItem:
		payload := &MoveItemPayload{}
		if err := json.Unmarshal(op.Payload, payload); err != nil {
			return
		}
		if item := doc.Item(payload.ItemId); item != nil {
			item.SortOrder = payload.SortOrder
			self.sortItems(doc)
		}
	case OpCopyItem:
		payload := &CopyItemPayload{}
		if err := json.Unmarshal(op.Payload, payload); err != nil || payload.Item == nil {
			return
		}
		if doc.Item(payload.Item.Id) == nil {
			item := payload.Item
			if item.SortOrder == "" {
				before := ""
				if 0 < len(doc.Items) {
					before = doc.Items[len(doc.Items)-1].SortOrder
				}
				if key, err := GenerateKeyBetween(before, ""); err == nil {
					item.SortOrder = key
				}
			}
			doc.Items = append(doc.Items, item)
			self.sortItems(doc)
		}
	}
}

// must be called with `stateLock` (or on the constructor path)
func (self *DocumentSession) sortItems(doc *RundownDocument) {
	slices.SortStableFunc(doc.Items, func(a *RundownItem, b *RundownItem) int {
		return CompareSortOrder(a.SortOrder, b.SortOrder)
	})
	// two live items must never share a key
	for i := 1; i < len(doc.Items); i += 1 {
		if doc.Items[i].SortOrder != "" && doc.Items[i].SortOrder == doc.Items[i-1].SortOrder {
			glog.Warningf("[session]%s duplicate sort key %q, regenerating\n", self.documentId, doc.Items[i].SortOrder)
			RegenerateSortOrders(doc.Items)
			break
		}
	}
}

func (self *DocumentSession) repairSortOrders() {
	self.dispatch(func() {
		self.stateLock.Lock()
		RegenerateSortOrders(self.doc.Items)
		self.stateLock.Unlock()
		self.notifyState()
	})
}

// full-state replacement from the reconciler. every field is replaced except
// the cell under active keyboard focus, so in-flight typing survives.
func (self *DocumentSession) applyAuthoritative(doc *RundownDocument, preserveItemId string, preserveField string) {
	self.dispatch(func() {
		self.stateLock.Lock()

		preservedValue := ""
		preserve := false
		if preserveField != "" {
			preservedValue, preserve = documentField(self.doc, preserveItemId, preserveField)
		}

		next := doc.Copy()
		if err := InitializeSortOrders(next.Items); err != nil {
			RegenerateSortOrders(next.Items)
		}
		self.sortItems(next)

		if preserve {
			if preserveItemId == "" {
				switch preserveField {
				case "title":
					next.Title = preservedValue
				case "startTime":
					next.StartTime = preservedValue
				case "timezone":
					next.Timezone = preservedValue
				}
			} else if item := next.Item(preserveItemId); item != nil {
				item.Fields[preserveField] = preservedValue
			}
		}

		self.doc = next
		self.stateLock.Unlock()
		self.notifyState()
	})
}

// saves the local document through the optimistic concurrency loop.
// a version conflict that survives the retry loop escalates to a full resync.
func (self *DocumentSession) Save(ctx context.Context) error {
	self.batcher.Flush()
	local := self.Document()

	err := SaveWithTimeout(ctx, self.settings.Write.SaveTimeout, func(saveCtx context.Context) error {
		saved, err := UpdateDocumentWithRetry(saveCtx, self.store, self.documentId, func(stored *RundownDocument) error {
			stored.Title = local.Title
			stored.StartTime = local.StartTime
			stored.Timezone = local.Timezone
			stored.Showcaller = local.Showcaller
			stored.Items = local.Items
			return nil
		}, self.settings.Write)
		if err != nil {
			return err
		}

		self.reconciler.AdvanceVersion(saved.DocVersion)
		self.dispatch(func() {
			self.stateLock.Lock()
			self.doc.DocVersion = saved.DocVersion
			self.doc.UpdatedAt = saved.UpdatedAt
			self.stateLock.Unlock()
		})
		if self.backup != nil {
			if err := self.backup.Clear(self.documentId); err != nil {
				glog.Infof("[session]%s backup clear error = %s\n", self.documentId, err)
			}
		}
		return nil
	})

	if err != nil && errors.Is(err, ErrVersionMismatch) {
		self.reconciler.ForceCheck()
	}
	return err
}

// reconnection after offline editing: three-way merge of local pending field
// updates against the changed remote state
func (self *DocumentSession) ReconnectWithPendingEdits(
	ctx context.Context,
	base *RundownDocument,
	ours []FieldUpdate,
) (*MergeResult, error) {
	theirs, err := self.store.GetDocument(ctx, self.documentId)
	if err != nil {
		return nil, err
	}

	result := MergeFieldUpdates(base, theirs, ours)

	self.dispatch(func() {
		self.stateLock.Lock()
		next := theirs.Copy()
		if err := InitializeSortOrders(next.Items); err != nil {
			RegenerateSortOrders(next.Items)
		}
		self.sortItems(next)
		self.doc = next
		for _, update := range result.Applied {
			self.applyFieldUpdateLocked(update)
		}
		self.stateLock.Unlock()
		self.notifyState()
	})
	self.reconciler.AdvanceVersion(theirs.DocVersion)

	if 0 < len(result.Conflicts) {
		self.stateLock.Lock()
		self.conflicts = append(self.conflicts, result.Conflicts...)
		self.stateLock.Unlock()
	}
	return result, nil
}

func (self *DocumentSession) PendingConflicts() []*ConflictRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.conflicts)
}

// applies an external conflict decision. the affected field is not settled
// until every conflict on it has been resolved.
func (self *DocumentSession) ResolvePendingConflict(
	record *ConflictRecord,
	resolution ConflictResolution,
	mergedValue string,
) error {
	update := ResolveConflict(record, resolution, mergedValue)

	self.stateLock.Lock()
	i := slices.Index(self.conflicts, record)
	if 0 <= i {
		self.conflicts = slices.Delete(slices.Clone(self.conflicts), i, i+1)
	}
	self.stateLock.Unlock()
	if i < 0 {
		return ErrUnresolvedConflict
	}

	if update.ItemId == "" {
		payload := &UpdateMetaPayload{}
		switch update.Field {
		case "title":
			payload.Title = &update.Value
		case "startTime":
			payload.StartTime = &update.Value
		case "timezone":
			payload.Timezone = &update.Value
		}
		return self.UpdateMeta(payload)
	}
	return self.EditCell(update.ItemId, update.Field, update.Value)
}

func (self *DocumentSession) applyFieldUpdateLocked(update FieldUpdate) {
	if update.ItemId == "" {
		switch update.Field {
		case "title":
			self.doc.Title = update.Value
		case "startTime":
			self.doc.StartTime = update.Value
		case "timezone":
			self.doc.Timezone = update.Value
		}
		return
	}
	if item := self.doc.Item(update.ItemId); item != nil {
		item.Fields[update.Field] = update.Value
	}
}

// environment signals

func (self *DocumentSession) HandleHidden() {
	self.monitor.HandleHidden()
}

func (self *DocumentSession) HandleVisible() {
	self.monitor.HandleVisible()
	self.reconciler.HandleVisibilityRegained()
}

func (self *DocumentSession) replayBackup() {
	ops, err := self.backup.PendingOperations(self.documentId)
	if err != nil {
		glog.Infof("[session]%s backup replay error = %s\n", self.documentId, err)
		return
	}
	if len(ops) == 0 {
		return
	}
	glog.Infof("[session]%s replaying %d backed up operations\n", self.documentId, len(ops))
	for _, op := range ops {
		op := op
		self.dispatch(func() {
			self.applyOperation(op)
		})
		self.batcher.Enqueue(op)
	}
	self.dispatch(func() {
		self.notifyState()
	})
}

func (self *DocumentSession) Close() {
	self.batcher.Flush()
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.reconciler.Close()
	self.scheduler.CancelAll()
	self.cancel()
}
