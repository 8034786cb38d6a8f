package rundown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestUpdateDocumentWithRetry(t *testing.T) {
	ctx := context.Background()

	store := newMemoryDocumentStore()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 1,
		Title:      "Morning Show",
	})

	doc, err := UpdateDocumentWithRetry(ctx, store, "doc1", func(doc *RundownDocument) error {
		doc.Title = "Evening Show"
		return nil
	}, DefaultOptimisticWriteSettings())
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(2), doc.DocVersion)
	assert.Equal(t, "Evening Show", doc.Title)

	stored, err := store.GetDocument(ctx, "doc1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "Evening Show", stored.Title)
}

// a concurrent writer bumps the version between fetch and write; the loop
// re-fetches and retries
func TestUpdateDocumentWithRetryConflict(t *testing.T) {
	ctx := context.Background()

	store := newMemoryDocumentStore()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 1,
	})

	raced := false
	doc, err := UpdateDocumentWithRetry(ctx, store, "doc1", func(doc *RundownDocument) error {
		if !raced {
			raced = true
			// another client wins the first round
			store.mutex.Lock()
			store.docs["doc1"].DocVersion += 1
			store.mutex.Unlock()
		}
		doc.Title = "Late Show"
		return nil
	}, DefaultOptimisticWriteSettings())
	assert.Equal(t, nil, err)
	assert.Equal(t, "Late Show", doc.Title)
	assert.Equal(t, int64(3), doc.DocVersion)
}

func TestUpdateDocumentWithRetryGivesUp(t *testing.T) {
	ctx := context.Background()

	store := newMemoryDocumentStore()
	store.put(&RundownDocument{
		Id:         "doc1",
		DocVersion: 1,
	})
	store.updateErr = ErrVersionMismatch

	_, err := UpdateDocumentWithRetry(ctx, store, "doc1", func(doc *RundownDocument) error {
		return nil
	}, &OptimisticWriteSettings{
		MaxAttempts: 3,
		SaveTimeout: 1 * time.Second,
	})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected a version mismatch after giving up, got %v", err)
	}

	_, fullFetches := store.counts()
	assert.Equal(t, 3, fullFetches)
}

func TestSaveWithTimeout(t *testing.T) {
	ctx := context.Background()

	err := SaveWithTimeout(ctx, 1*time.Second, func(saveCtx context.Context) error {
		return nil
	})
	assert.Equal(t, nil, err)

	err = SaveWithTimeout(ctx, 50*time.Millisecond, func(saveCtx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-saveCtx.Done():
			return saveCtx.Err()
		}
	})
	if !errors.Is(err, ErrSaveTimeout) {
		t.Fatalf("expected a save timeout, got %v", err)
	}

	saveErr := errors.New("store down")
	err = SaveWithTimeout(ctx, 1*time.Second, func(saveCtx context.Context) error {
		return saveErr
	})
	if !errors.Is(err, saveErr) {
		t.Fatalf("expected the save error, got %v", err)
	}
}
