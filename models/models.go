// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package models holds the adapters from pipelines to the platform's
// model services: speech recognition, visual analysis, text analysis, and
// embedding. Pipelines depend only on the interfaces here; deployments
// wire either the remote HTTP adapters or the in-process fakes.
package models

import (
	"context"
)

// ASR is the speech recognition service.
type ASR interface {
	// Transcribe recognizes speech in a window of the resource's audio
	// track.
	Transcribe(ctx context.Context, req *TranscribeRequest) (*Transcript, error)
}

// Vision is the visual analysis service.
type Vision interface {
	AnalyzeImage(ctx context.Context, req *ImageRequest) (*ImageInsight, error)
	AnalyzeFrames(ctx context.Context, req *FramesRequest) (*FrameBatch, error)
}

// Text is the text analysis service.
type Text interface {
	Stats(ctx context.Context, req *TextRequest) (*TextStats, error)
	Keywords(ctx context.Context, req *TextRequest) ([]string, error)
	Summarize(ctx context.Context, req *TextRequest) (string, error)
}

// Embedder is the embedding service.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Bundle carries one adapter per service.
type Bundle struct {
	ASR      ASR
	Vision   Vision
	Text     Text
	Embedder Embedder
}

type TranscribeRequest struct {
	ResourceID   string  `json:"resource_id"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

type Transcript struct {
	Language string              `json:"language"`
	Segments []TranscriptSegment `json:"segments"`
}

type TranscriptSegment struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
}

type ImageRequest struct {
	ResourceID string `json:"resource_id"`
}

type ImageInsight struct {
	Caption string   `json:"caption"`
	Labels  []string `json:"labels"`
}

type FramesRequest struct {
	ResourceID string `json:"resource_id"`
	FirstFrame int    `json:"first_frame"`
	LastFrame  int    `json:"last_frame"`

	// SampleFPS converts frame indexes to media offsets.
	SampleFPS float64 `json:"sample_fps"`
}

type FrameBatch struct {
	Frames []FrameInsight `json:"frames"`
}

type FrameInsight struct {
	Frame         int      `json:"frame"`
	OffsetSeconds float64  `json:"offset_seconds"`
	Caption       string   `json:"caption"`
	Labels        []string `json:"labels"`
}

type TextRequest struct {
	ResourceID string `json:"resource_id"`
	SizeBytes  int64  `json:"size_bytes"`

	// Content carries inline text for the summarize and keyword calls
	// later pipeline phases make over already-extracted material.
	Content string `json:"content,omitempty"`
}

type TextStats struct {
	Words      int    `json:"words"`
	Sentences  int    `json:"sentences"`
	Paragraphs int    `json:"paragraphs"`
	Language   string `json:"language"`
}
