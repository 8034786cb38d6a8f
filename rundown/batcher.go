package rundown

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// decides when and in what grouping operations leave the client.
// no document mutation happens here.

type OperationTier int

const (
	// interactive text edits
	TierHot OperationTier = 0
	// focus, navigation, metadata
	TierWarm OperationTier = 1
	// structural changes: insert, delete, move, copy
	TierCold OperationTier = 2
)

func (self OperationTier) String() string {
	switch self {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return fmt.Sprintf("tier(%d)", int(self))
	}
}

// priority policy table
var operationTiers = map[OperationType]OperationTier{
	OpEditCell:         TierHot,
	OpFocusCell:        TierWarm,
	OpUpdateMeta:       TierWarm,
	OpUpdateShowcaller: TierWarm,
	OpInsertItem:       TierCold,
	OpDeleteItem:       TierCold,
	OpMoveItem:         TierCold,
	OpCopyItem:         TierCold,
}

func ClassifyOperation(opType OperationType) OperationTier {
	if tier, ok := operationTiers[opType]; ok {
		return tier
	}
	// unknown types are treated as structural
	return TierCold
}

type tierPolicy struct {
	window   time.Duration
	maxBatch int
}

type OperationBatcherSettings struct {
	HotWindow    time.Duration
	HotMaxBatch  int
	WarmWindow   time.Duration
	WarmMaxBatch int
	ColdWindow   time.Duration
	ColdMaxBatch int

	// queued total across tiers that forces an immediate flush,
	// bounding worst-case latency under bursty input
	EmergencyFlushCount int
}

func DefaultOperationBatcherSettings() *OperationBatcherSettings {
	return &OperationBatcherSettings{
		HotWindow:           5 * time.Millisecond,
		HotMaxBatch:         5,
		WarmWindow:          25 * time.Millisecond,
		WarmMaxBatch:        10,
		ColdWindow:          50 * time.Millisecond,
		ColdMaxBatch:        20,
		EmergencyFlushCount: 10,
	}
}

func (self *OperationBatcherSettings) policy(tier OperationTier) tierPolicy {
	switch tier {
	case TierHot:
		return tierPolicy{self.HotWindow, self.HotMaxBatch}
	case TierWarm:
		return tierPolicy{self.WarmWindow, self.WarmMaxBatch}
	default:
		return tierPolicy{self.ColdWindow, self.ColdMaxBatch}
	}
}

// one network send. operations in a batch always share a tier.
type SendFunction func(tier OperationTier, operations []*Operation)

type OperationBatcher struct {
	scheduler *TaskScheduler
	settings  *OperationBatcherSettings
	send      SendFunction

	stateLock sync.Mutex
	// arrival order preserved per tier
	pending map[OperationTier][]*Operation
}

func NewOperationBatcherWithDefaults(scheduler *TaskScheduler, send SendFunction) *OperationBatcher {
	return NewOperationBatcher(scheduler, send, DefaultOperationBatcherSettings())
}

func NewOperationBatcher(scheduler *TaskScheduler, send SendFunction, settings *OperationBatcherSettings) *OperationBatcher {
	return &OperationBatcher{
		scheduler: scheduler,
		settings:  settings,
		send:      send,
		pending:   map[OperationTier][]*Operation{},
	}
}

func taskKeyForTier(tier OperationTier) string {
	return "batch/" + tier.String()
}

func (self *OperationBatcher) Enqueue(op *Operation) {
	tier := ClassifyOperation(op.Type)
	policy := self.settings.policy(tier)

	flushTier := false
	flushAll := false
	startWindow := false

	self.stateLock.Lock()
	self.pending[tier] = append(self.pending[tier], op)
	queued := 0
	for _, ops := range self.pending {
		queued += len(ops)
	}
	if self.settings.EmergencyFlushCount <= queued {
		flushAll = true
	} else if policy.maxBatch <= len(self.pending[tier]) {
		flushTier = true
	} else if len(self.pending[tier]) == 1 {
		// the window starts at the first queued operation of the tier and is
		// not extended by later arrivals
		startWindow = true
	}
	self.stateLock.Unlock()

	if flushAll {
		glog.V(2).Infof("[batch]emergency flush at %d queued\n", queued)
		self.Flush()
	} else if flushTier {
		self.flushTier(tier)
	} else if startWindow {
		self.scheduler.Schedule(taskKeyForTier(tier), policy.window, func() {
			self.flushTier(tier)
		})
	}
}

func (self *OperationBatcher) flushTier(tier OperationTier) {
	self.scheduler.Cancel(taskKeyForTier(tier))

	self.stateLock.Lock()
	ops := self.pending[tier]
	delete(self.pending, tier)
	self.stateLock.Unlock()

	self.sendBatches(tier, ops)
}

// drains every tier, hot before warm before cold, arrival order within a tier
func (self *OperationBatcher) Flush() {
	for _, tier := range []OperationTier{TierHot, TierWarm, TierCold} {
		self.flushTier(tier)
	}
}

func (self *OperationBatcher) sendBatches(tier OperationTier, ops []*Operation) {
	if len(ops) == 0 {
		return
	}
	maxBatch := self.settings.policy(tier).maxBatch
	for 0 < len(ops) {
		n := min(maxBatch, len(ops))
		batch := ops[:n]
		ops = ops[n:]
		glog.V(2).Infof("[batch]%s send %d\n", tier, len(batch))
		self.send(tier, batch)
	}
}

func (self *OperationBatcher) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queued := 0
	for _, ops := range self.pending {
		queued += len(ops)
	}
	return queued
}
