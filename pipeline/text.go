// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"fmt"

	"github.com/opsislabs/windlass/models"
	"github.com/opsislabs/windlass/results"
	"github.com/opsislabs/windlass/structs"
)

// textCheckpoint accumulates through the text-profile phases.
type textCheckpoint struct {
	// BytesParsed is the high-water mark of parse progress.
	BytesParsed int64

	Stats    *models.TextStats
	Keywords []string
	Summary  string
	Vector   []float32
}

// newTextProfile profiles a document: parse the stored object, derive
// corpus statistics, extract keywords, summarize, and index the summary
// embedding. Parsing dominates large documents and splits across the
// segment budget; the model-backed phases stay single.
func newTextProfile(deps Deps) *Pipeline {
	return &Pipeline{
		Kind: structs.KindTextProfile,
		Plan: func(desc *structs.InputDescriptor, segments int) []Phase {
			parseWindows := max(1, segments-4)

			var phases []Phase
			for i := 0; i < parseWindows; i++ {
				phases = append(phases, Phase{
					Name: windowName("parse", i, parseWindows),
					Run:  textParse(i, parseWindows),
				})
			}
			phases = append(phases,
				Phase{Name: "extract_stats", Run: textStats(deps)},
				Phase{Name: "extract_keywords", Run: textKeywords(deps)},
				Phase{Name: "summarize", Run: textSummarize(deps)},
				Phase{Name: "finalize", Run: textFinalize(deps)},
			)
			return phases
		},
	}
}

// textParse advances the parse high-water mark over one byte window. The
// heavy lifting (format sniffing, text extraction) happens in the document
// service against the stored object; re-running a window after a crash
// just re-extracts the same bytes.
func textParse(window, totalWindows int) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk textCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		start := desc.SizeBytes * int64(window) / int64(totalWindows)
		end := desc.SizeBytes * int64(window+1) / int64(totalWindows)
		sink.Update(0, fmt.Sprintf("parsing bytes %d-%d", start, end))

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if chk.BytesParsed < end {
			chk.BytesParsed = end
		}
		sink.Update(100, fmt.Sprintf("parsed %d bytes", chk.BytesParsed))
		return EncodeCheckpoint(&chk)
	}
}

func textStats(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk textCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "deriving document statistics")
		stats, err := deps.Models.Text.Stats(ctx, &models.TextRequest{
			ResourceID: desc.ResourceID,
			SizeBytes:  desc.SizeBytes,
		})
		if err != nil {
			return nil, err
		}
		chk.Stats = stats
		sink.Update(100, fmt.Sprintf("%d words in %d paragraphs", stats.Words, stats.Paragraphs))
		return EncodeCheckpoint(&chk)
	}
}

func textKeywords(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk textCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "extracting keywords")
		keywords, err := deps.Models.Text.Keywords(ctx, &models.TextRequest{
			ResourceID: desc.ResourceID,
			SizeBytes:  desc.SizeBytes,
		})
		if err != nil {
			return nil, err
		}
		chk.Keywords = keywords
		sink.Update(100, fmt.Sprintf("%d keywords", len(keywords)))
		return EncodeCheckpoint(&chk)
	}
}

func textSummarize(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk textCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "summarizing")
		summary, err := deps.Models.Text.Summarize(ctx, &models.TextRequest{
			ResourceID: desc.ResourceID,
			SizeBytes:  desc.SizeBytes,
		})
		if err != nil {
			return nil, err
		}
		chk.Summary = summary
		sink.Update(100, "summary ready")
		return EncodeCheckpoint(&chk)
	}
}

func textFinalize(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk textCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "indexing summary")
		vectors, err := deps.Models.Embedder.Embed(ctx, []string{chk.Summary})
		if err != nil {
			return nil, err
		}
		if len(vectors) > 0 {
			chk.Vector = vectors[0]
		}

		payload := struct {
			Stats    *models.TextStats `json:"stats"`
			Keywords []string          `json:"keywords"`
			Summary  string            `json:"summary"`
			Vector   []float32         `json:"vector"`
		}{chk.Stats, chk.Keywords, chk.Summary, chk.Vector}

		doc, err := results.NewDocument(desc.Kind, desc.ResourceID, fingerprint(desc), payload)
		if err != nil {
			return nil, err
		}
		if err := deps.Results.Put(ctx, doc); err != nil {
			return nil, err
		}
		sink.Update(100, "profile stored")
		return EncodeFinal(doc.Ref)
	}
}
