// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package results

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/structs"
	"github.com/shoenig/test/must"
)

func TestRef_Deterministic(t *testing.T) {
	ci.Parallel(t)

	a := Ref(structs.KindVideoDeep, "vid-7", "sha:aaa")
	b := Ref(structs.KindVideoDeep, "vid-7", "sha:aaa")
	must.Eq(t, a, b)
	must.StrHasPrefix(t, "sha256:", a)

	// Any component changing moves the ref.
	must.NotEq(t, a, Ref(structs.KindVideoDeep, "vid-7", "sha:bbb"))
	must.NotEq(t, a, Ref(structs.KindVideoDeep, "vid-8", "sha:aaa"))
	must.NotEq(t, a, Ref(structs.KindAudioTranscribe, "vid-7", "sha:aaa"))
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, factory func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put get roundtrip", func(t *testing.T) {
		s := factory(t)

		doc, err := NewDocument(structs.KindTextProfile, "doc-1", "fp-1",
			map[string]any{"words": 120, "summary": "a short text"})
		must.NoError(t, err)
		must.NoError(t, s.Put(ctx, doc))

		got, err := s.Get(ctx, doc.Ref)
		must.NoError(t, err)
		must.Eq(t, doc.Ref, got.Ref)
		must.Eq(t, structs.KindTextProfile, got.Kind)
		must.Eq(t, "doc-1", got.ResourceID)

		var payload map[string]any
		must.NoError(t, json.Unmarshal(got.Payload, &payload))
		must.Eq(t, "a short text", payload["summary"])
	})

	t.Run("replay overwrites harmlessly", func(t *testing.T) {
		s := factory(t)

		doc, err := NewDocument(structs.KindAudioTranscribe, "pod-1", "fp-1",
			map[string]any{"segments": 4})
		must.NoError(t, err)

		// A reclaimed execution re-finalizing writes the same ref again.
		must.NoError(t, s.Put(ctx, doc))
		must.NoError(t, s.Put(ctx, doc))

		got, err := s.Get(ctx, doc.Ref)
		must.NoError(t, err)
		must.Eq(t, doc.Ref, got.Ref)
	})

	t.Run("missing ref", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(ctx, Ref(structs.KindImageAnalyze, "img-404", "fp"))
		must.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := factory(t)

		doc, err := NewDocument(structs.KindImageAnalyze, "img-1", "fp-1",
			map[string]any{"caption": "a dog"})
		must.NoError(t, err)
		must.NoError(t, s.Put(ctx, doc))

		must.NoError(t, s.Delete(ctx, doc.Ref))
		_, err = s.Get(ctx, doc.Ref)
		must.ErrorIs(t, err, ErrNotFound)

		// Deleting a missing ref is a no-op.
		must.NoError(t, s.Delete(ctx, doc.Ref))
	})
}

func TestInmemStore_Contract(t *testing.T) {
	ci.Parallel(t)
	runStoreSuite(t, func(t *testing.T) Store {
		return NewInmemStore()
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	ci.Parallel(t)
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(context.Background(), ":memory:")
		must.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
