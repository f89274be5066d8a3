// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/opsislabs/windlass/structs"
)

// RemoteConfig locates the platform's model services.
type RemoteConfig struct {
	ASRAddr    string
	VisionAddr string
	TextAddr   string
	EmbedAddr  string

	// Timeout bounds a single service call. Individual calls are also
	// bounded by the task context.
	Timeout time.Duration
}

// NewRemoteBundle builds HTTP adapters for all four model services.
func NewRemoteBundle(cfg *RemoteConfig) (Bundle, error) {
	var missing []string
	for _, a := range []struct{ name, addr string }{
		{"asr", cfg.ASRAddr},
		{"vision", cfg.VisionAddr},
		{"text", cfg.TextAddr},
		{"embed", cfg.EmbedAddr},
	} {
		if a.addr == "" {
			missing = append(missing, a.name)
		}
	}
	if len(missing) > 0 {
		return Bundle{}, fmt.Errorf("model service address missing for: %s", strings.Join(missing, ", "))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	return Bundle{
		ASR:      &remoteASR{rc: &remoteClient{base: cfg.ASRAddr, http: httpClient}},
		Vision:   &remoteVision{rc: &remoteClient{base: cfg.VisionAddr, http: httpClient}},
		Text:     &remoteText{rc: &remoteClient{base: cfg.TextAddr, http: httpClient}},
		Embedder: &remoteEmbedder{rc: &remoteClient{base: cfg.EmbedAddr, http: httpClient}},
	}, nil
}

type remoteClient struct {
	base string
	http *http.Client
}

// post sends in as JSON and decodes the response into out. Connection
// errors, 429s, and 5xx responses come back as transient upstream errors;
// other non-2xx responses are permanent.
func (c *remoteClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return structs.NewTaskError(structs.TaskErrInternal, "encode %s request: %s", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return structs.NewTaskError(structs.TaskErrInternal, "build %s request: %s", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return structs.NewTaskError(structs.TaskErrTransientUpstream, "%s: %s", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return structs.NewTaskError(structs.TaskErrTransientUpstream,
			"%s: %s", path, responseSnippet(resp))
	default:
		return structs.NewTaskError(structs.TaskErrPermanentUpstream,
			"%s: %s", path, responseSnippet(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return structs.NewTaskError(structs.TaskErrTransientUpstream,
			"decode %s response: %s", path, err)
	}
	return nil
}

// responseSnippet renders the status plus a short prefix of the body for
// error messages surfaced to polling clients.
func responseSnippet(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, snippet)
}

type remoteASR struct {
	rc *remoteClient
}

func (r *remoteASR) Transcribe(ctx context.Context, req *TranscribeRequest) (*Transcript, error) {
	var out Transcript
	if err := r.rc.post(ctx, "/v1/transcribe", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type remoteVision struct {
	rc *remoteClient
}

func (r *remoteVision) AnalyzeImage(ctx context.Context, req *ImageRequest) (*ImageInsight, error) {
	var out ImageInsight
	if err := r.rc.post(ctx, "/v1/image", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteVision) AnalyzeFrames(ctx context.Context, req *FramesRequest) (*FrameBatch, error) {
	var out FrameBatch
	if err := r.rc.post(ctx, "/v1/frames", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type remoteText struct {
	rc *remoteClient
}

func (r *remoteText) Stats(ctx context.Context, req *TextRequest) (*TextStats, error) {
	var out TextStats
	if err := r.rc.post(ctx, "/v1/stats", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteText) Keywords(ctx context.Context, req *TextRequest) ([]string, error) {
	var out struct {
		Keywords []string `json:"keywords"`
	}
	if err := r.rc.post(ctx, "/v1/keywords", req, &out); err != nil {
		return nil, err
	}
	return out.Keywords, nil
}

func (r *remoteText) Summarize(ctx context.Context, req *TextRequest) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := r.rc.post(ctx, "/v1/summarize", req, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

type remoteEmbedder struct {
	rc *remoteClient
}

func (r *remoteEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	var out struct {
		Vectors [][]float32 `json:"vectors"`
	}
	in := struct {
		Inputs []string `json:"inputs"`
	}{Inputs: inputs}
	if err := r.rc.post(ctx, "/v1/embed", in, &out); err != nil {
		return nil, err
	}
	return out.Vectors, nil
}
