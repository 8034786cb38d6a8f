package rundown

import (
	"context"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/exp/slices"
)

// shared test fixtures: a hand-cranked clock, an in-memory document store,
// and an in-memory broadcast transport

type manualTimer struct {
	clock    *manualClock
	deadline time.Time
	task     func()
	stopped  bool
	fired    bool
}

func (self *manualTimer) Stop() bool {
	self.clock.mutex.Lock()
	defer self.clock.mutex.Unlock()

	if self.stopped || self.fired {
		return false
	}
	self.stopped = true
	return true
}

type manualClock struct {
	mutex  sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{
		now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (self *manualClock) Now() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.now
}

func (self *manualClock) AfterFunc(delay time.Duration, task func()) TimerHandle {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	timer := &manualTimer{
		clock:    self,
		deadline: self.now.Add(delay),
		task:     task,
	}
	self.timers = append(self.timers, timer)
	return timer
}

func (self *manualClock) advance(delta time.Duration) {
	self.mutex.Lock()
	self.now = self.now.Add(delta)
	due := []*manualTimer{}
	remaining := []*manualTimer{}
	for _, timer := range self.timers {
		if !timer.stopped && !timer.deadline.After(self.now) {
			timer.fired = true
			due = append(due, timer)
		} else if !timer.stopped {
			remaining = append(remaining, timer)
		}
	}
	self.timers = remaining
	slices.SortStableFunc(due, func(a *manualTimer, b *manualTimer) int {
		return a.deadline.Compare(b.deadline)
	})
	self.mutex.Unlock()

	for _, timer := range due {
		timer.task()
	}
}

type memoryDocumentStore struct {
	mutex sync.Mutex

	docs map[string]*RundownDocument

	metaFetches int
	fullFetches int

	metaErr   error
	updateErr error
}

func newMemoryDocumentStore() *memoryDocumentStore {
	return &memoryDocumentStore{
		docs: map[string]*RundownDocument{},
	}
}

func (self *memoryDocumentStore) put(doc *RundownDocument) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.docs[doc.Id] = doc.Copy()
}

func (self *memoryDocumentStore) counts() (int, int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.metaFetches, self.fullFetches
}

func (self *memoryDocumentStore) GetDocumentMeta(ctx context.Context, documentId string) (*DocumentMeta, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.metaFetches += 1
	if self.metaErr != nil {
		return nil, self.metaErr
	}
	doc, ok := self.docs[documentId]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return &DocumentMeta{
		Id:         documentId,
		DocVersion: doc.DocVersion,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

func (self *memoryDocumentStore) GetDocument(ctx context.Context, documentId string) (*RundownDocument, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.fullFetches += 1
	doc, ok := self.docs[documentId]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return doc.Copy(), nil
}

func (self *memoryDocumentStore) UpdateDocument(ctx context.Context, doc *RundownDocument, expectVersion int64) (int64, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.updateErr != nil {
		return 0, self.updateErr
	}
	stored, ok := self.docs[doc.Id]
	if !ok {
		return 0, ErrDocumentNotFound
	}
	if stored.DocVersion != expectVersion {
		return 0, ErrVersionMismatch
	}
	next := doc.Copy()
	next.DocVersion = expectVersion + 1
	next.UpdatedAt = time.Now()
	self.docs[doc.Id] = next
	return next.DocVersion, nil
}

type memoryTransport struct {
	channelName string

	mutex     sync.Mutex
	published [][]byte

	messageCallbacks *CallbackList[ChannelMessageFunction]
	statusCallbacks  *CallbackList[ChannelStatusFunction]
}

func newMemoryTransport(channelName string) *memoryTransport {
	return &memoryTransport{
		channelName:      channelName,
		messageCallbacks: NewCallbackList[ChannelMessageFunction](),
		statusCallbacks:  NewCallbackList[ChannelStatusFunction](),
	}
}

func (self *memoryTransport) ChannelName() string {
	return self.channelName
}

func (self *memoryTransport) Publish(message []byte) error {
	self.mutex.Lock()
	self.published = append(self.published, message)
	self.mutex.Unlock()
	return nil
}

func (self *memoryTransport) publishedMessages() [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return slices.Clone(self.published)
}

// simulates an inbound broadcast
func (self *memoryTransport) deliver(message []byte) {
	for _, messageCallback := range self.messageCallbacks.Get() {
		messageCallback(self.channelName, message)
	}
}

func (self *memoryTransport) setStatus(status ChannelStatus, err error) {
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(self.channelName, status, err)
	}
}

func (self *memoryTransport) AddMessageCallback(messageCallback ChannelMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *memoryTransport) AddStatusCallback(statusCallback ChannelStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *memoryTransport) Close() {
}

func testSessionJwt(t *testing.T, clientId Id, userId Id) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
		"user_id":   userId.String(),
	})
	byJwt, err := token.SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	return byJwt
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
