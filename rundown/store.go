package rundown

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// the persistent store is consumed as an opaque request/response service.
// `UpdateDocument` is conditional on the version the client last observed
// (optimistic concurrency); a stale version returns ErrVersionMismatch.

type DocumentMeta struct {
	Id         string
	DocVersion int64
	UpdatedAt  time.Time
}

type DocumentStore interface {
	// lightweight version/timestamp fetch for heartbeat checks
	GetDocumentMeta(ctx context.Context, documentId string) (*DocumentMeta, error)
	GetDocument(ctx context.Context, documentId string) (*RundownDocument, error)
	// writes `doc` only if the stored version still equals `expectVersion`.
	// returns the new authoritative version.
	UpdateDocument(ctx context.Context, doc *RundownDocument, expectVersion int64) (int64, error)
}

type OptimisticWriteSettings struct {
	MaxAttempts int
	SaveTimeout time.Duration
}

func DefaultOptimisticWriteSettings() *OptimisticWriteSettings {
	return &OptimisticWriteSettings{
		MaxAttempts: 3,
		SaveTimeout: 25 * time.Second,
	}
}

// read version, attempt a conditional write, on conflict re-fetch and retry.
// `mutate` re-applies the local change to each freshly fetched document.
// after `MaxAttempts` conflicts the caller escalates to a full resync.
func UpdateDocumentWithRetry(
	ctx context.Context,
	store DocumentStore,
	documentId string,
	mutate func(doc *RundownDocument) error,
	settings *OptimisticWriteSettings,
) (*RundownDocument, error) {
	var lastErr error
	for attempt := 0; attempt < settings.MaxAttempts; attempt += 1 {
		doc, err := store.GetDocument(ctx, documentId)
		if err != nil {
			return nil, err
		}
		expectVersion := doc.DocVersion

		if err := mutate(doc); err != nil {
			return nil, err
		}

		version, err := store.UpdateDocument(ctx, doc, expectVersion)
		if err == nil {
			doc.DocVersion = version
			return doc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		glog.Infof("[store]%s write conflict at v%d (attempt %d)\n", documentId, expectVersion, attempt+1)
	}
	return nil, fmt.Errorf("optimistic write gave up: %w", lastErr)
}

// races `save` against a timer so the caller's retry path can treat a hung
// save uniformly with other transient failures
func SaveWithTimeout(ctx context.Context, timeout time.Duration, save func(ctx context.Context) error) error {
	saveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- save(saveCtx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrSaveTimeout
	}
}
