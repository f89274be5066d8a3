// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package results holds the adapters to the platform's result store, where
// pipelines persist their analysis documents. Documents are addressed by a
// content-derived reference, so a reclaimed execution replaying a finished
// phase writes the same document under the same ref and the replay is
// harmless.
//
// Three backends exist: Postgres for production, SQLite for single-node
// dev mode, and an in-memory map for tests.
package results

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no document exists under a ref.
var ErrNotFound = errors.New("result document not found")

// Document is one analysis result. Payload is the pipeline's final JSON
// output; its shape belongs to the pipeline, not the store.
type Document struct {
	// Ref is the content-addressed identity of the document.
	Ref string `db:"ref"`

	Kind       string `db:"kind"`
	ResourceID string `db:"resource_id"`

	Payload json.RawMessage `db:"payload"`

	CreatedAt time.Time `db:"created_at"`
}

// Store is the result persistence contract. Put is an upsert keyed by
// Ref: writing the same document twice must succeed and leave one copy.
type Store interface {
	Put(ctx context.Context, doc *Document) error
	Get(ctx context.Context, ref string) (*Document, error)
	Delete(ctx context.Context, ref string) error
	Close() error
}

// Ref derives the content-addressed reference for an analysis output:
// the analysis kind, the resource identity, and a fingerprint of the
// input (content hash when known, size otherwise). Re-running the same
// analysis over the same input lands on the same ref.
func Ref(kind, resourceID, fingerprint string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", kind, resourceID, fingerprint)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// NewDocument assembles a document from a pipeline's final output,
// deriving its ref.
func NewDocument(kind, resourceID, fingerprint string, payload interface{}) (*Document, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("result payload encode failed: %v", err)
	}
	return &Document{
		Ref:        Ref(kind, resourceID, fingerprint),
		Kind:       kind,
		ResourceID: resourceID,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// InmemStore keeps documents in a map. Test use only.
type InmemStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewInmemStore() *InmemStore {
	return &InmemStore{docs: map[string]*Document{}}
}

func (s *InmemStore) Put(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	s.docs[doc.Ref] = &cp
	return nil
}

func (s *InmemStore) Get(_ context.Context, ref string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *InmemStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, ref)
	return nil
}

func (s *InmemStore) Close() error { return nil }

// Refs returns the stored refs in sorted order. Test helper.
func (s *InmemStore) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for ref := range s.docs {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
