// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UnexpectedResponseError is returned when the agent answers with a
// status code the caller did not expect. It keeps the status and the
// drained body so callers can branch on the failure.
type UnexpectedResponseError struct {
	expected   []int
	statusCode int
	statusText string
	body       string
	additional error
}

func (e UnexpectedResponseError) HasExpectedStatuses() bool { return len(e.expected) > 0 }
func (e UnexpectedResponseError) ExpectedStatuses() []int   { return e.expected }
func (e UnexpectedResponseError) StatusCode() int           { return e.statusCode }
func (e UnexpectedResponseError) StatusText() string        { return e.statusText }
func (e UnexpectedResponseError) HasBody() bool             { return e.body != "" }
func (e UnexpectedResponseError) Body() string              { return e.body }

func (e UnexpectedResponseError) Error() string {
	var eTxt strings.Builder
	eTxt.WriteString("Unexpected response code")
	if e.HasBody() || e.statusCode != 0 {
		eTxt.WriteString(": ")
	}
	if e.statusCode != 0 {
		eTxt.WriteString(fmt.Sprint(e.statusCode))
		if e.HasBody() {
			eTxt.WriteRune(' ')
		}
	}
	if e.HasBody() {
		eTxt.WriteString(fmt.Sprintf("(%s)", e.body))
	}
	if e.additional != nil {
		eTxt.WriteString(fmt.Sprintf(". Additionally, an error occurred while reading the response body (%s); the body might be truncated or missing.", e.additional.Error()))
	}
	return eTxt.String()
}

// fromHTTPResponse drains and closes the response body into an
// UnexpectedResponseError.
func fromHTTPResponse(resp *http.Response, expected []int) UnexpectedResponseError {
	e := UnexpectedResponseError{expected: expected}
	if resp == nil {
		return e
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		e.additional = err
	}
	_ = resp.Body.Close()

	e.statusCode = resp.StatusCode
	e.statusText = strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	if e.statusText == "" {
		e.statusText = http.StatusText(resp.StatusCode)
	}
	e.body = strings.TrimSpace(buf.String())
	return e
}

// doRequestWrapper wraps the client's doRequest method to provide error
// and response handling.
type doRequestWrapper = func(time.Duration, *http.Response, error) (time.Duration, *http.Response, error)

// requireOK is used to wrap doRequest and check for a 200.
func requireOK(d time.Duration, resp *http.Response, e error) (time.Duration, *http.Response, error) {
	f := requireStatusIn(http.StatusOK)
	return f(d, resp, e)
}

// requireStatusIn is a doRequestWrapper generator that takes expected
// HTTP response codes and validates that the received response code is
// among them.
func requireStatusIn(statuses ...int) doRequestWrapper {
	return func(d time.Duration, resp *http.Response, e error) (time.Duration, *http.Response, error) {
		if e != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return d, nil, e
		}

		for _, status := range statuses {
			if resp.StatusCode == status {
				return d, resp, nil
			}
		}

		return d, nil, fromHTTPResponse(resp, statuses)
	}
}
