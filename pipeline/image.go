// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"

	"github.com/opsislabs/windlass/models"
	"github.com/opsislabs/windlass/results"
	"github.com/opsislabs/windlass/structs"
)

type imageCheckpoint struct {
	Insight *models.ImageInsight
	Vector  []float32
}

// newImageAnalyze captions and labels a single image, then indexes the
// caption embedding. Image analysis is constant-cost, so the plan ignores
// the segment budget.
func newImageAnalyze(deps Deps) *Pipeline {
	return &Pipeline{
		Kind: structs.KindImageAnalyze,
		Plan: func(*structs.InputDescriptor, int) []Phase {
			return []Phase{
				{Name: "preprocess", Run: imagePreprocess},
				{Name: "visual_analysis", Run: imageAnalyze(deps)},
				{Name: "embed_caption", Run: imageEmbed(deps)},
				{Name: "finalize", Run: imageFinalize(deps)},
			}
		},
	}
}

func imagePreprocess(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
	var chk imageCheckpoint
	if err := restore(prev, &chk); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sink.Update(100, "image validated")
	return EncodeCheckpoint(&chk)
}

func imageAnalyze(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk imageCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "analyzing image")
		insight, err := deps.Models.Vision.AnalyzeImage(ctx, &models.ImageRequest{
			ResourceID: desc.ResourceID,
		})
		if err != nil {
			return nil, err
		}
		chk.Insight = insight
		sink.Update(100, insight.Caption)
		return EncodeCheckpoint(&chk)
	}
}

func imageEmbed(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk imageCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "embedding caption")
		vectors, err := deps.Models.Embedder.Embed(ctx, []string{chk.Insight.Caption})
		if err != nil {
			return nil, err
		}
		if len(vectors) > 0 {
			chk.Vector = vectors[0]
		}
		sink.Update(100, "caption indexed")
		return EncodeCheckpoint(&chk)
	}
}

func imageFinalize(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk imageCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		payload := struct {
			Caption string    `json:"caption"`
			Labels  []string  `json:"labels"`
			Vector  []float32 `json:"vector"`
		}{chk.Insight.Caption, chk.Insight.Labels, chk.Vector}

		doc, err := results.NewDocument(desc.Kind, desc.ResourceID, fingerprint(desc), payload)
		if err != nil {
			return nil, err
		}
		if err := deps.Results.Put(ctx, doc); err != nil {
			return nil, err
		}
		sink.Update(100, "analysis stored")
		return EncodeFinal(doc.Ref)
	}
}
