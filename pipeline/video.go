// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opsislabs/windlass/models"
	"github.com/opsislabs/windlass/results"
	"github.com/opsislabs/windlass/structs"
)

// videoSamplerFPS is the sampler's default rate when the descriptor does
// not carry a frame count. Must agree with the duration estimator's
// fallback or predicted time and actual work drift apart.
const videoSamplerFPS = 3.0

type videoCheckpoint struct {
	SampleFPS  float64
	FrameTotal int

	// FramesListed is the high-water sampled frame index committed by the
	// extraction windows.
	FramesListed int

	// ManifestRefs are the content-addressed partial manifests written by
	// each extraction window.
	ManifestRefs []string

	Frames       []models.FrameInsight
	AudioSeconds float64
	Transcript   *models.Transcript
	Keywords     []string
	SegmentVecs  [][]float32
	Timeline     []timelineEvent
	Story        string
}

// timelineEvent is one fused observation on the video's clock.
type timelineEvent struct {
	OffsetSeconds float64 `json:"offset_seconds"`
	Source        string  `json:"source"`
	Text          string  `json:"text"`
}

// newVideoDeep runs the full multimodal pipeline: sample frames, caption
// them, pull the audio track, recognize speech, derive audio semantics,
// fuse both modalities onto one timeline, and write the story analysis.
// Frame extraction dominates long videos and splits across the segment
// budget, one manifest per slice.
func newVideoDeep(deps Deps) *Pipeline {
	return &Pipeline{
		Kind: structs.KindVideoDeep,
		Plan: func(desc *structs.InputDescriptor, segments int) []Phase {
			windows := max(1, segments-7)

			var phases []Phase
			for i := 0; i < windows; i++ {
				phases = append(phases, Phase{
					Name: windowName("frame_extraction", i, windows),
					Run:  videoExtractFrames(deps, i, windows),
				})
			}
			phases = append(phases,
				Phase{Name: "visual_analysis", Run: videoAnalyzeFrames(deps)},
				Phase{Name: "audio_extraction", Run: videoExtractAudio},
				Phase{Name: "speech_recognition", Run: videoTranscribe(deps)},
				Phase{Name: "audio_semantics", Run: videoAudioSemantics(deps)},
				Phase{Name: "multimodal_fusion", Run: videoFuse},
				Phase{Name: "story_analysis", Run: videoStory(deps)},
				Phase{Name: "finalization", Run: videoFinalize(deps)},
			)
			return phases
		},
	}
}

func videoFrameBudget(desc *structs.InputDescriptor) (total int, fps float64) {
	if desc.FrameCount > 0 && desc.MediaSeconds > 0 {
		return desc.FrameCount, float64(desc.FrameCount) / desc.MediaSeconds
	}
	if desc.FrameCount > 0 {
		return desc.FrameCount, videoSamplerFPS
	}
	return int(desc.MediaSeconds * videoSamplerFPS), videoSamplerFPS
}

// videoExtractFrames samples the window's share of the video and writes a
// content-addressed manifest of the sampled slice. Replays recompute the
// same slice and overwrite the same manifest.
func videoExtractFrames(deps Deps, window, totalWindows int) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk videoCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		total, fps := videoFrameBudget(desc)
		first := total * window / totalWindows
		last := total * (window + 1) / totalWindows
		sink.Update(0, fmt.Sprintf("sampling frames %d-%d", first, last))

		manifest := struct {
			FirstFrame int     `json:"first_frame"`
			LastFrame  int     `json:"last_frame"`
			SampleFPS  float64 `json:"sample_fps"`
		}{first, last - 1, fps}

		slice := fmt.Sprintf("%s:frames:%d/%d", fingerprint(desc), window+1, totalWindows)
		doc, err := results.NewDocument(desc.Kind, desc.ResourceID, slice, manifest)
		if err != nil {
			return nil, err
		}
		if err := deps.Results.Put(ctx, doc); err != nil {
			return nil, err
		}

		chk.SampleFPS = fps
		chk.FrameTotal = total
		if chk.FramesListed < last {
			chk.FramesListed = last
		}
		if !containsRef(chk.ManifestRefs, doc.Ref) {
			chk.ManifestRefs = append(chk.ManifestRefs, doc.Ref)
		}
		sink.Update(100, fmt.Sprintf("%d of %d frames sampled", chk.FramesListed, total))
		return EncodeCheckpoint(&chk)
	}
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func videoAnalyzeFrames(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk videoCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}
		if chk.FramesListed == 0 {
			return nil, structs.NewTaskError(structs.TaskErrInternal, "visual analysis before frame extraction")
		}

		sink.Update(0, fmt.Sprintf("captioning %d frames", chk.FramesListed))
		batch, err := deps.Models.Vision.AnalyzeFrames(ctx, &models.FramesRequest{
			ResourceID: desc.ResourceID,
			FirstFrame: 0,
			LastFrame:  chk.FramesListed - 1,
			SampleFPS:  chk.SampleFPS,
		})
		if err != nil {
			return nil, err
		}
		chk.Frames = batch.Frames
		sink.Update(100, fmt.Sprintf("%d frame captions", len(chk.Frames)))
		return EncodeCheckpoint(&chk)
	}
}

func videoExtractAudio(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
	var chk videoCheckpoint
	if err := restore(prev, &chk); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chk.AudioSeconds = desc.MediaSeconds
	sink.Update(100, fmt.Sprintf("audio track extracted (%.0fs)", chk.AudioSeconds))
	return EncodeCheckpoint(&chk)
}

func videoTranscribe(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk videoCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "recognizing speech")
		transcript, err := deps.Models.ASR.Transcribe(ctx, &models.TranscribeRequest{
			ResourceID:   desc.ResourceID,
			StartSeconds: 0,
			EndSeconds:   chk.AudioSeconds,
		})
		if err != nil {
			return nil, err
		}
		chk.Transcript = transcript
		sink.Update(100, fmt.Sprintf("%d utterances", len(transcript.Segments)))
		return EncodeCheckpoint(&chk)
	}
}

func videoAudioSemantics(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk videoCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		texts := transcriptTexts(chk.Transcript)
		sink.Update(0, fmt.Sprintf("analyzing %d utterances", len(texts)))

		keywords, err := deps.Models.Text.Keywords(ctx, &models.TextRequest{
			ResourceID: desc.ResourceID,
			Content:    strings.Join(texts, " "),
		})
		if err != nil {
			return nil, err
		}
		chk.Keywords = keywords
		sink.Update(50, fmt.Sprintf("%d topics", len(keywords)))

		if len(texts) > 0 {
			vectors, err := deps.Models.Embedder.Embed(ctx, texts)
			if err != nil {
				return nil, err
			}
			chk.SegmentVecs = vectors
		}
		sink.Update(100, "audio semantics ready")
		return EncodeCheckpoint(&chk)
	}
}

func transcriptTexts(tr *models.Transcript) []string {
	if tr == nil {
		return nil
	}
	out := make([]string, len(tr.Segments))
	for i, seg := range tr.Segments {
		out[i] = seg.Text
	}
	return out
}

// videoFuse interleaves frame captions and utterances onto the video's
// clock.
func videoFuse(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
	var chk videoCheckpoint
	if err := restore(prev, &chk); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sink.Update(0, "fusing modalities")
	var timeline []timelineEvent
	for _, f := range chk.Frames {
		timeline = append(timeline, timelineEvent{
			OffsetSeconds: f.OffsetSeconds,
			Source:        "frame",
			Text:          f.Caption,
		})
	}
	if chk.Transcript != nil {
		for _, seg := range chk.Transcript.Segments {
			timeline = append(timeline, timelineEvent{
				OffsetSeconds: seg.StartSeconds,
				Source:        "speech",
				Text:          seg.Text,
			})
		}
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		if timeline[i].OffsetSeconds != timeline[j].OffsetSeconds {
			return timeline[i].OffsetSeconds < timeline[j].OffsetSeconds
		}
		return timeline[i].Source < timeline[j].Source
	})
	chk.Timeline = timeline
	sink.Update(100, fmt.Sprintf("%d timeline events", len(timeline)))
	return EncodeCheckpoint(&chk)
}

func videoStory(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk videoCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		sink.Update(0, "analyzing story")
		events := make([]string, len(chk.Timeline))
		for i, ev := range chk.Timeline {
			events[i] = ev.Text
		}
		story, err := deps.Models.Text.Summarize(ctx, &models.TextRequest{
			ResourceID: desc.ResourceID,
			Content:    strings.Join(events, " "),
		})
		if err != nil {
			return nil, err
		}
		chk.Story = story
		sink.Update(100, "story ready")
		return EncodeCheckpoint(&chk)
	}
}

func videoFinalize(deps Deps) PhaseFunc {
	return func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error) {
		var chk videoCheckpoint
		if err := restore(prev, &chk); err != nil {
			return nil, err
		}

		payload := struct {
			MediaSeconds float64               `json:"media_seconds"`
			SampleFPS    float64               `json:"sample_fps"`
			FrameTotal   int                   `json:"frame_total"`
			Manifests    []string              `json:"manifests"`
			Frames       []models.FrameInsight `json:"frames"`
			Transcript   *models.Transcript    `json:"transcript"`
			Keywords     []string              `json:"keywords"`
			Timeline     []timelineEvent       `json:"timeline"`
			Story        string                `json:"story"`
		}{
			desc.MediaSeconds, chk.SampleFPS, chk.FrameTotal, chk.ManifestRefs,
			chk.Frames, chk.Transcript, chk.Keywords, chk.Timeline, chk.Story,
		}

		doc, err := results.NewDocument(desc.Kind, desc.ResourceID, fingerprint(desc), payload)
		if err != nil {
			return nil, err
		}
		if err := deps.Results.Put(ctx, doc); err != nil {
			return nil, err
		}
		sink.Update(100, "video analysis stored")
		return EncodeFinal(doc.Ref)
	}
}
