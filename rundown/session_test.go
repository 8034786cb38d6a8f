package rundown

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSessionDoc() *RundownDocument {
	return &RundownDocument{
		Id:         "doc1",
		DocVersion: 1,
		Title:      "Morning Show",
		Items: []*RundownItem{
			{
				Id:        "item1",
				SortOrder: "a",
				Fields:    map[string]string{"script": "Hello"},
			},
			{
				Id:        "item2",
				SortOrder: "b",
				Fields:    map[string]string{"script": "World"},
			},
		},
	}
}

func testDocumentSessionSettings() *DocumentSessionSettings {
	settings := DefaultDocumentSessionSettings()
	settings.Reconciler = testReconcilerSettings()
	return settings
}

func newTestSession(t *testing.T, clock Clock, store *memoryDocumentStore, transport *memoryTransport) *DocumentSession {
	auth := &SessionAuth{
		ByJwt: testSessionJwt(t, NewId(), NewId()),
	}
	session, err := NewDocumentSession(
		context.Background(),
		auth,
		"doc1",
		store,
		[]BroadcastTransport{transport},
		nil,
		nil,
		clock,
		testDocumentSessionSettings(),
	)
	assert.Equal(t, nil, err)
	return session
}

func sessionField(session *DocumentSession, itemId string, field string) string {
	doc := session.Document()
	if item := doc.Item(itemId); item != nil {
		return item.Fields[field]
	}
	return ""
}

func TestSessionEditCellPublishes(t *testing.T) {
	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	assert.Equal(t, nil, session.EditCell("item1", "script", "Hello again"))
	waitFor(t, 1*time.Second, func() bool {
		return sessionField(session, "item1", "script") == "Hello again"
	})

	// applied locally, but nothing on the wire until the window closes
	assert.Equal(t, 0, len(transport.publishedMessages()))

	clock.advance(5 * time.Millisecond)
	waitFor(t, 1*time.Second, func() bool {
		return len(transport.publishedMessages()) == 1
	})

	envelope, err := DecodeEnvelope(transport.publishedMessages()[0])
	assert.Equal(t, nil, err)
	assert.Equal(t, "doc1", envelope.DocumentId)
	assert.Equal(t, session.ClientId(), envelope.ClientId)
	assert.Equal(t, 1, len(envelope.Operations))
	assert.Equal(t, OpEditCell, envelope.Operations[0].Type)
}

func TestSessionEchoSuppression(t *testing.T) {
	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	assert.Equal(t, nil, session.EditCell("item1", "script", "Take two"))
	clock.advance(5 * time.Millisecond)
	waitFor(t, 1*time.Second, func() bool {
		return len(transport.publishedMessages()) == 1
	})

	// replay our own update id with a mutated payload. the tracker must
	// discard it, so the mutation never lands.
	echo, err := DecodeEnvelope(transport.publishedMessages()[0])
	assert.Equal(t, nil, err)
	mutated, err := NewOperation(OpEditCell, &EditCellPayload{
		ItemId: "item1",
		Field:  "script",
		Value:  "corrupted",
	}, echo.ClientId, NewId())
	assert.Equal(t, nil, err)
	echo.Operations = []*Operation{mutated}
	echoBytes, err := EncodeEnvelope(echo)
	assert.Equal(t, nil, err)
	transport.deliver(echoBytes)

	// a foreign envelope on the same channel is applied
	otherClientId := NewId()
	foreignOp, err := NewOperation(OpEditCell, &EditCellPayload{
		ItemId: "item2",
		Field:  "script",
		Value:  "From afar",
	}, otherClientId, NewId())
	assert.Equal(t, nil, err)
	foreignBytes, err := EncodeEnvelope(&BroadcastEnvelope{
		UpdateId:   NewId().String(),
		DocumentId: "doc1",
		ClientId:   otherClientId,
		Operations: []*Operation{foreignOp},
	})
	assert.Equal(t, nil, err)
	transport.deliver(foreignBytes)

	waitFor(t, 1*time.Second, func() bool {
		return sessionField(session, "item2", "script") == "From afar"
	})
	assert.Equal(t, "Take two", sessionField(session, "item1", "script"))
}

func TestSessionBroadcastOtherDocumentIgnored(t *testing.T) {
	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	otherClientId := NewId()
	op, err := NewOperation(OpEditCell, &EditCellPayload{
		ItemId: "item1",
		Field:  "script",
		Value:  "Wrong room",
	}, otherClientId, NewId())
	assert.Equal(t, nil, err)
	strayBytes, err := EncodeEnvelope(&BroadcastEnvelope{
		UpdateId:   NewId().String(),
		DocumentId: "doc2",
		ClientId:   otherClientId,
		Operations: []*Operation{op},
	})
	assert.Equal(t, nil, err)
	transport.deliver(strayBytes)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "Hello", sessionField(session, "item1", "script"))
}

func TestSessionInsertItemAfter(t *testing.T) {
	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	err := session.InsertItemAfter("item1", &RundownItem{
		Id:     "item3",
		Fields: map[string]string{"script": "Middle"},
	})
	assert.Equal(t, nil, err)

	waitFor(t, 1*time.Second, func() bool {
		return len(session.Document().Items) == 3
	})

	// the new item lands between its neighbors by key order
	doc := session.Document()
	assert.Equal(t, "item1", doc.Items[0].Id)
	assert.Equal(t, "item3", doc.Items[1].Id)
	assert.Equal(t, "item2", doc.Items[2].Id)

	key := doc.Items[1].SortOrder
	assert.Equal(t, true, CompareSortOrder("a", key) < 0)
	assert.Equal(t, true, CompareSortOrder(key, "b") < 0)
}

func TestSessionInsertAfterUnknownItem(t *testing.T) {
	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	err := session.InsertItemAfter("ghost", &RundownItem{
		Id:     "item3",
		Fields: map[string]string{},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown anchor item")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, len(session.Document().Items))
}

func TestSessionMoveItem(t *testing.T) {
	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	assert.Equal(t, nil, session.MoveItem("item2", "", "item1"))
	waitFor(t, 1*time.Second, func() bool {
		return session.Document().Items[0].Id == "item2"
	})

	doc := session.Document()
	assert.Equal(t, true, CompareSortOrder(doc.Items[0].SortOrder, doc.Items[1].SortOrder) < 0)
}

func TestSessionSave(t *testing.T) {
	ctx := context.Background()

	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	title := "Evening Show"
	assert.Equal(t, nil, session.UpdateMeta(&UpdateMetaPayload{
		Title: &title,
	}))
	waitFor(t, 1*time.Second, func() bool {
		return session.Document().Title == "Evening Show"
	})

	assert.Equal(t, nil, session.Save(ctx))

	stored, err := store.GetDocument(ctx, "doc1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "Evening Show", stored.Title)
	assert.Equal(t, int64(2), stored.DocVersion)

	assert.Equal(t, int64(2), session.Reconciler().LocalVersion())
	waitFor(t, 1*time.Second, func() bool {
		return session.Document().DocVersion == 2
	})
}

func TestSessionSaveConflictEscalates(t *testing.T) {
	ctx := context.Background()

	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	store.mutex.Lock()
	store.updateErr = ErrVersionMismatch
	store.mutex.Unlock()

	err := session.Save(ctx)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected a version mismatch, got %v", err)
	}

	// the failed save forces a reconciliation check
	waitFor(t, 1*time.Second, func() bool {
		metaFetches, _ := store.counts()
		return 1 <= metaFetches
	})
}

func TestSessionReconnectWithPendingEdits(t *testing.T) {
	ctx := context.Background()

	base := testSessionDoc()

	theirs := testSessionDoc()
	theirs.DocVersion = 3
	theirs.Items[0].Fields["script"] = "Remote rewrite"

	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(theirs)
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	ours := []FieldUpdate{
		{
			Field:     "title",
			Value:     "Night Show",
			Timestamp: time.Now(),
		},
		{
			ItemId:    "item1",
			Field:     "script",
			Value:     "Local rewrite",
			Timestamp: time.Now(),
		},
	}

	result, err := session.ReconnectWithPendingEdits(ctx, base, ours)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(result.Applied))
	assert.Equal(t, 1, len(result.Conflicts))

	// the uncontested title edit is applied over the remote state, the
	// contested cell holds the remote value until resolved
	waitFor(t, 1*time.Second, func() bool {
		return session.Document().Title == "Night Show"
	})
	assert.Equal(t, "Remote rewrite", sessionField(session, "item1", "script"))
	assert.Equal(t, int64(3), session.Reconciler().LocalVersion())

	conflicts := session.PendingConflicts()
	assert.Equal(t, 1, len(conflicts))
	assert.Equal(t, "item1", conflicts[0].ItemId)
	assert.Equal(t, "Remote rewrite", conflicts[0].Theirs)
	assert.Equal(t, "Local rewrite", conflicts[0].Ours)

	assert.Equal(t, nil, session.ResolvePendingConflict(conflicts[0], ResolutionKeepLocal, ""))
	waitFor(t, 1*time.Second, func() bool {
		return sessionField(session, "item1", "script") == "Local rewrite"
	})
	assert.Equal(t, 0, len(session.PendingConflicts()))

	// a spent record cannot be resolved twice
	err = session.ResolvePendingConflict(conflicts[0], ResolutionKeepRemote, "")
	if !errors.Is(err, ErrUnresolvedConflict) {
		t.Fatalf("expected a spent conflict error, got %v", err)
	}
}

func TestSessionReplaysBackup(t *testing.T) {
	backup, err := NewOperationBackup(filepath.Join(t.TempDir(), "pending.db"))
	assert.Equal(t, nil, err)
	defer backup.Close()

	op, err := NewOperation(OpInsertItem, &InsertItemPayload{
		Item: &RundownItem{
			Id:        "item3",
			SortOrder: "c",
			Fields:    map[string]string{"script": "Recovered"},
		},
	}, NewId(), NewId())
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, backup.SaveOperation("doc1", op))

	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	auth := &SessionAuth{
		ByJwt: testSessionJwt(t, NewId(), NewId()),
	}
	session, err := NewDocumentSession(
		context.Background(),
		auth,
		"doc1",
		store,
		[]BroadcastTransport{transport},
		backup,
		nil,
		clock,
		testDocumentSessionSettings(),
	)
	assert.Equal(t, nil, err)
	defer session.Close()

	waitFor(t, 1*time.Second, func() bool {
		return len(session.Document().Items) == 3
	})
	assert.Equal(t, "Recovered", sessionField(session, "item3", "script"))

	// the replayed operation also goes back out on the wire
	clock.advance(50 * time.Millisecond)
	waitFor(t, 1*time.Second, func() bool {
		return 1 <= len(transport.publishedMessages())
	})
}

func TestSessionFocusPreservedAcrossResync(t *testing.T) {
	ctx := context.Background()

	clock := newManualClock()
	store := newMemoryDocumentStore()
	store.put(testSessionDoc())
	transport := newMemoryTransport("doc/doc1")
	session := newTestSession(t, clock, store, transport)
	defer session.Close()

	session.SetFocus("item1", "script")
	assert.Equal(t, nil, session.EditCell("item1", "script", "Typing in progress"))
	waitFor(t, 1*time.Second, func() bool {
		return sessionField(session, "item1", "script") == "Typing in progress"
	})

	// the server moves ahead with a different value in the focused cell
	remote, err := store.GetDocument(ctx, "doc1")
	assert.Equal(t, nil, err)
	remote.DocVersion = 5
	remote.Title = "Updated Show"
	remote.Items[0].Fields["script"] = "Server value"
	store.put(remote)

	session.Reconciler().ForceCheck()

	// everything is replaced except the cell under the caret
	waitFor(t, 1*time.Second, func() bool {
		return session.Document().Title == "Updated Show"
	})
	assert.Equal(t, "Typing in progress", sessionField(session, "item1", "script"))
	waitFor(t, 1*time.Second, func() bool {
		return session.Reconciler().LocalVersion() == 5
	})
}
