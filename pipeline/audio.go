// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/opsislabs/windlass/models"
	"github.com/opsislabs/windlass/results"
	"github.com/opsislabs/windlass/structs"
)

type audioCheckpoint struct {
	// WindowsDone is the count of committed transcription windows.
	WindowsDone int

	Language  string
	Segments  []models.TranscriptSegment
	Optimized bool
	Vectors   [][]float32
}

// newAudioTranscribe transcribes an audio resource: preprocess, recognize
// speech window by window, clean up the raw transcript, and embed the
// utterances for search. Transcription dominates and splits across the
// segment budget; short jobs (class S) skip the cleanup pass to fit the
// tighter checkpoint cadence.
func newAudioTranscribe(deps Deps) *Pipeline {
	return &Pipeline{
		Kind: structs.KindAudioTranscribe,
		Plan: func(desc *structs.InputDescriptor, segments int) []Phase {
			windows := max(1, segments-4)
			withOptimize := segments >= 5

			phases := []Phase{{Name: "preprocess", Run: audioPreprocess}}
			for i := 0; i < windows; i++ {
				phases = append(phases, Phase{
					Name: windowName("transcribe", i, windows),
					Run:  audioTranscribe(deps, i, windows),
				})
			}
			if withOptimize {
				phases = append(phases, Phase{Name: "post_optimize", Run: audioOptimize})
			}
			phases = append(phases,
				Phase{Name: "embed_segments", Run: audioEmbed(deps)},
				Phase{Name: "finalize", Run: audioFinalize(deps)},
			)
			return phases
		},
	}
}

func audioPreprocess(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
	var chk audioCheckpoint
	if err := restore(prev, &chk); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sink.Update(100, fmt.Sprintf("audio track ready (%.0fs)", desc.MediaSeconds))
	return EncodeCheckpoint(&chk)
}

// audioTranscribe recognizes speech in the window's slice of the track.
// The window boundaries derive from the descriptor and window count alone,
// so a replayed invocation recognizes exactly the same span.
func audioTranscribe(deps Deps, window, totalWindows int) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk audioCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		start := desc.MediaSeconds * float64(window) / float64(totalWindows)
		end := desc.MediaSeconds * float64(window+1) / float64(totalWindows)
		sink.Update(0, fmt.Sprintf("transcribing %.0fs-%.0fs", start, end))

		transcript, err := deps.Models.ASR.Transcribe(ctx, &models.TranscribeRequest{
			ResourceID:   desc.ResourceID,
			StartSeconds: start,
			EndSeconds:   end,
		})
		if err != nil {
			return nil, err
		}

		if transcript.Language != "" {
			chk.Language = transcript.Language
		}
		chk.Segments = append(chk.Segments, transcript.Segments...)
		chk.WindowsDone = window + 1
		sink.Update(100, fmt.Sprintf("%d utterances so far", len(chk.Segments)))
		return EncodeCheckpoint(&chk)
	}
}

// audioOptimize normalizes the raw recognizer output: trimmed whitespace,
// leading capitals, terminal punctuation.
func audioOptimize(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
	var chk audioCheckpoint
	if err := restore(prev, &chk); err != nil {
		return nil, err
	}

	sink.Update(0, "optimizing transcript")
	for i := range chk.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chk.Segments[i].Text = polishUtterance(chk.Segments[i].Text)
	}
	chk.Optimized = true
	sink.Update(100, "transcript optimized")
	return EncodeCheckpoint(&chk)
}

func polishUtterance(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return text
	}
	runes := []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	text = string(runes)
	if !strings.ContainsRune(".!?", rune(text[len(text)-1])) {
		text += "."
	}
	return text
}

func audioEmbed(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk audioCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, fmt.Sprintf("embedding %d utterances", len(chk.Segments)))
		texts := make([]string, len(chk.Segments))
		for i, seg := range chk.Segments {
			texts[i] = seg.Text
		}
		if len(texts) > 0 {
			vectors, err := deps.Models.Embedder.Embed(ctx, texts)
			if err != nil {
				return nil, err
			}
			chk.Vectors = vectors
		}
		sink.Update(100, "utterances indexed")
		return EncodeCheckpoint(&chk)
	}
}

func audioFinalize(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk audioCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		payload := struct {
			Language     string                     `json:"language"`
			MediaSeconds float64                    `json:"media_seconds"`
			Optimized    bool                       `json:"optimized"`
			Segments     []models.TranscriptSegment `json:"segments"`
			Vectors      [][]float32                `json:"vectors"`
		}{chk.Language, desc.MediaSeconds, chk.Optimized, chk.Segments, chk.Vectors}

		doc, err := results.NewDocument(desc.Kind, desc.ResourceID, fingerprint(desc), payload)
		if err != nil {
			return nil, err
		}
		if err := deps.Results.Put(ctx, doc); err != nil {
			return nil, err
		}
		sink.Update(100, "transcript stored")
		return EncodeFinal(doc.Ref)
	}
}
