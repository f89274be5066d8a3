// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package models

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/opsislabs/windlass/structs"
)

// Inproc is a deterministic in-process stand-in for all four model
// services, used in dev mode and tests. Outputs are synthesized from the
// request so repeated calls agree, calls are counted per operation, and
// tests can queue failures to exercise the executor's retry paths.
type Inproc struct {
	// Latency is added to every call; tests exercising deadlines set it.
	Latency time.Duration

	mu       sync.Mutex
	calls    map[string]int
	failures map[string][]error
}

func NewInproc() *Inproc {
	return &Inproc{
		calls:    map[string]int{},
		failures: map[string][]error{},
	}
}

// InprocBundle wires one Inproc behind all four service interfaces.
func InprocBundle(m *Inproc) Bundle {
	return Bundle{ASR: m, Vision: m, Text: m, Embedder: m}
}

// Operation names for call counting and failure injection.
const (
	OpTranscribe = "transcribe"
	OpImage      = "analyze_image"
	OpFrames     = "analyze_frames"
	OpStats      = "stats"
	OpKeywords   = "keywords"
	OpSummarize  = "summarize"
	OpEmbed      = "embed"
)

// FailNext queues an error returned by the next call to op.
func (m *Inproc) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// CallCount returns how many times op was invoked.
func (m *Inproc) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of model invocations across operations.
func (m *Inproc) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// begin records the call, honors queued failures and injected latency,
// and respects cancellation.
func (m *Inproc) begin(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	var err error
	if q := m.failures[op]; len(q) > 0 {
		err, m.failures[op] = q[0], q[1:]
	}
	latency := m.Latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (m *Inproc) Transcribe(ctx context.Context, req *TranscribeRequest) (*Transcript, error) {
	if err := m.begin(ctx, OpTranscribe); err != nil {
		return nil, err
	}

	tr := &Transcript{Language: "en"}
	// One synthesized utterance per 15 seconds of audio.
	for at := req.StartSeconds; at < req.EndSeconds; at += 15 {
		end := min(at+15, req.EndSeconds)
		tr.Segments = append(tr.Segments, TranscriptSegment{
			StartSeconds: at,
			EndSeconds:   end,
			Text:         synthPhrase(req.ResourceID, "speech", int(at)),
			Confidence:   0.8 + float64(digest(req.ResourceID, int(at))%20)/100,
		})
	}
	return tr, nil
}

func (m *Inproc) AnalyzeImage(ctx context.Context, req *ImageRequest) (*ImageInsight, error) {
	if err := m.begin(ctx, OpImage); err != nil {
		return nil, err
	}
	return &ImageInsight{
		Caption: synthPhrase(req.ResourceID, "scene", 0),
		Labels:  synthLabels(req.ResourceID, 0, 4),
	}, nil
}

func (m *Inproc) AnalyzeFrames(ctx context.Context, req *FramesRequest) (*FrameBatch, error) {
	if err := m.begin(ctx, OpFrames); err != nil {
		return nil, err
	}

	fps := req.SampleFPS
	if fps <= 0 {
		fps = 1
	}
	batch := &FrameBatch{}
	// Caption one representative frame per second of sampled footage.
	step := max(int(fps), 1)
	for f := req.FirstFrame; f <= req.LastFrame; f += step {
		batch.Frames = append(batch.Frames, FrameInsight{
			Frame:         f,
			OffsetSeconds: float64(f) / fps,
			Caption:       synthPhrase(req.ResourceID, "frame", f),
			Labels:        synthLabels(req.ResourceID, f, 3),
		})
	}
	return batch, nil
}

func (m *Inproc) Stats(ctx context.Context, req *TextRequest) (*TextStats, error) {
	if err := m.begin(ctx, OpStats); err != nil {
		return nil, err
	}
	words := int(req.SizeBytes / 6)
	if req.Content != "" {
		words = len(req.Content) / 6
	}
	if words < 1 {
		words = 1
	}
	return &TextStats{
		Words:      words,
		Sentences:  words/12 + 1,
		Paragraphs: words/80 + 1,
		Language:   "en",
	}, nil
}

func (m *Inproc) Keywords(ctx context.Context, req *TextRequest) ([]string, error) {
	if err := m.begin(ctx, OpKeywords); err != nil {
		return nil, err
	}
	return synthLabels(req.ResourceID+req.Content, 1, 6), nil
}

func (m *Inproc) Summarize(ctx context.Context, req *TextRequest) (string, error) {
	if err := m.begin(ctx, OpSummarize); err != nil {
		return "", err
	}
	return synthPhrase(req.ResourceID+req.Content, "summary", 0), nil
}

func (m *Inproc) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := m.begin(ctx, OpEmbed); err != nil {
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		vec := make([]float32, 8)
		h := digest(in, i)
		for j := range vec {
			vec[j] = float32((h>>uint(j*4))%255) / 255
		}
		out[i] = vec
	}
	return out, nil
}

var (
	synthSubjects = []string{"a speaker", "the narrator", "a crowd", "two people", "the host", "a machine"}
	synthActions  = []string{"describes", "discusses", "presents", "examines", "walks through", "compares"}
	synthTopics   = []string{"the quarterly results", "a mountain trail", "the new prototype", "city traffic", "an old recording", "the migration plan"}
	synthLabelSet = []string{"person", "indoor", "outdoor", "speech", "music", "text", "vehicle", "screen", "nature", "crowd"}
)

// digest gives a stable pseudo-random value per (seed, n).
func digest(seed string, n int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	fmt.Fprintf(h, ":%d", n)
	return h.Sum64()
}

func synthPhrase(seed, context string, n int) string {
	h := digest(seed+context, n)
	return fmt.Sprintf("%s %s %s",
		synthSubjects[h%uint64(len(synthSubjects))],
		synthActions[(h>>8)%uint64(len(synthActions))],
		synthTopics[(h>>16)%uint64(len(synthTopics))])
}

func synthLabels(seed string, n, count int) []string {
	h := digest(seed, n)
	out := make([]string, 0, count)
	seen := map[string]bool{}
	for i := 0; len(out) < count && i < len(synthLabelSet); i++ {
		label := synthLabelSet[(h>>uint(i*3))%uint64(len(synthLabelSet))]
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}

// TransientError builds the error shape upstream adapters return for
// retryable conditions; tests inject it through FailNext.
func TransientError(service string) error {
	return structs.NewTaskError(structs.TaskErrTransientUpstream, "%s temporarily unavailable", service)
}

// PermanentError builds the non-retryable upstream error shape.
func PermanentError(service, detail string) error {
	return structs.NewTaskError(structs.TaskErrPermanentUpstream, "%s: %s", service, detail)
}
