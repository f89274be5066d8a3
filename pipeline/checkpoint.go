// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"errors"
	"fmt"

	"github.com/opsislabs/windlass/structs"
)

// checkpointVersion prefixes every encoded checkpoint. Stores carry these
// blobs across releases, so decoding an unknown version fails loudly
// instead of misreading fields.
const checkpointVersion = 0x01

// ErrBadCheckpoint is returned when a persisted checkpoint cannot be
// decoded. The executor treats it as a permanent failure; resuming from a
// blob we cannot read would silently redo or skip work.
var ErrBadCheckpoint = errors.New("malformed checkpoint")

// EncodeCheckpoint wraps msgpack encoding with the version prefix.
func EncodeCheckpoint(v interface{}) ([]byte, error) {
	body, err := structs.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("checkpoint encode: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, checkpointVersion)
	return append(out, body...), nil
}

// DecodeCheckpoint decodes a versioned checkpoint into v.
func DecodeCheckpoint(buf []byte, v interface{}) error {
	if len(buf) < 2 {
		return ErrBadCheckpoint
	}
	if buf[0] != checkpointVersion {
		return fmt.Errorf("%w: unsupported version 0x%02x", ErrBadCheckpoint, buf[0])
	}
	if err := structs.Decode(buf[1:], v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	return nil
}

// restore loads prev into v, leaving v zeroed for a fresh run.
func restore(prev []byte, v interface{}) error {
	if len(prev) == 0 {
		return nil
	}
	return DecodeCheckpoint(prev, v)
}

// finalCheckpoint is the terminal phase's output: the content-addressed
// ref of the written result document.
type finalCheckpoint struct {
	ResultRef string
}

// EncodeFinal builds the checkpoint a pipeline's last phase returns.
func EncodeFinal(ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("final checkpoint requires a result ref")
	}
	return EncodeCheckpoint(&finalCheckpoint{ResultRef: ref})
}

// FinalRef extracts the result ref from a pipeline's last checkpoint.
func FinalRef(chk []byte) (string, error) {
	var fc finalCheckpoint
	if err := DecodeCheckpoint(chk, &fc); err != nil {
		return "", err
	}
	if fc.ResultRef == "" {
		return "", fmt.Errorf("%w: final checkpoint carries no result ref", ErrBadCheckpoint)
	}
	return fc.ResultRef, nil
}
