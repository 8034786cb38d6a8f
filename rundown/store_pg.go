package rundown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres-backed document store. the document body is one jsonb column;
// `doc_version` is the authoritative version counter and every update is
// conditional on it.
//
// schema:
//
//	create table rundown_documents (
//	    id text primary key,
//	    doc_version bigint not null default 1,
//	    doc jsonb not null,
//	    updated_at timestamptz not null default now()
//	)

type PgDocumentStore struct {
	pool *pgxpool.Pool
}

func NewPgDocumentStore(ctx context.Context, databaseUrl string) (*PgDocumentStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	return &PgDocumentStore{
		pool: pool,
	}, nil
}

func NewPgDocumentStoreWithPool(pool *pgxpool.Pool) *PgDocumentStore {
	return &PgDocumentStore{
		pool: pool,
	}
}

func (self *PgDocumentStore) GetDocumentMeta(ctx context.Context, documentId string) (*DocumentMeta, error) {
	meta := &DocumentMeta{
		Id: documentId,
	}
	err := self.pool.QueryRow(
		ctx,
		`select doc_version, updated_at from rundown_documents where id = $1`,
		documentId,
	).Scan(&meta.DocVersion, &meta.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (self *PgDocumentStore) GetDocument(ctx context.Context, documentId string) (*RundownDocument, error) {
	var docVersion int64
	var docJson []byte
	var updatedAt time.Time
	err := self.pool.QueryRow(
		ctx,
		`select doc_version, doc, updated_at from rundown_documents where id = $1`,
		documentId,
	).Scan(&docVersion, &docJson, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}

	doc := &RundownDocument{}
	if err := json.Unmarshal(docJson, doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", documentId, err)
	}
	doc.Id = documentId
	doc.DocVersion = docVersion
	doc.UpdatedAt = updatedAt
	return doc, nil
}

func (self *PgDocumentStore) UpdateDocument(ctx context.Context, doc *RundownDocument, expectVersion int64) (int64, error) {
	docJson, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode document %s: %w", doc.Id, err)
	}

	var version int64
	err = self.pool.QueryRow(
		ctx,
		`update rundown_documents
		    set doc = $2, doc_version = doc_version + 1, updated_at = now()
		  where id = $1 and doc_version = $3
		  returning doc_version`,
		doc.Id,
		docJson,
		expectVersion,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		// either the row is missing or the version advanced under us
		if _, metaErr := self.GetDocumentMeta(ctx, doc.Id); metaErr != nil {
			return 0, metaErr
		}
		return 0, ErrVersionMismatch
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (self *PgDocumentStore) CreateDocument(ctx context.Context, doc *RundownDocument) error {
	docJson, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.Id, err)
	}
	_, err = self.pool.Exec(
		ctx,
		`insert into rundown_documents (id, doc_version, doc) values ($1, 1, $2)`,
		doc.Id,
		docJson,
	)
	return err
}

func (self *PgDocumentStore) Close() {
	self.pool.Close()
}
