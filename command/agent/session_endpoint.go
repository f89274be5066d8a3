// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"

	"github.com/opsislabs/windlass/structs"
)

// SessionMintRequest mints a session credential for a subject. Frontends
// without their own token plumbing use it to bootstrap a session before
// the first submission; afterwards the polling path keeps the credential
// refreshed.
func (s *HTTPServer) SessionMintRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if s.agent.keepalive == nil {
		return nil, CodedError(501, "session keep-alive is not configured")
	}

	var args structs.SessionRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if args.Subject == "" {
		return nil, CodedError(400, "missing session subject")
	}

	cred, err := s.agent.keepalive.Mint(args.Subject)
	if err != nil {
		return nil, err
	}
	return &structs.SessionResponse{Credential: cred}, nil
}
