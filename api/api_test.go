// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

// makeTestClient builds a client pointed at an httptest server.
func makeTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conf := DefaultConfig()
	conf.Address = srv.URL
	client, err := NewClient(conf)
	must.NoError(t, err)
	return client, srv
}

func TestDefaultConfig_env(t *testing.T) {
	t.Setenv("WINDLASS_ADDR", "http://1.2.3.4:5678")
	t.Setenv("WINDLASS_SESSION_TOKEN", "session-token")
	t.Setenv("WINDLASS_HTTP_AUTH", "analyst:hunter2")

	config := DefaultConfig()
	must.Eq(t, "http://1.2.3.4:5678", config.Address)
	must.Eq(t, "session-token", config.SessionToken)
	must.Eq(t, "analyst", config.HttpAuth.Username)
	must.Eq(t, "hunter2", config.HttpAuth.Password)
}

func TestRequestTime(t *testing.T) {
	t.Parallel()
	client, _ := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		d, err := json.Marshal(struct{ Done bool }{true})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(d)
	}))

	var out interface{}

	qm, err := client.query("/", &out, nil)
	must.NoError(t, err)
	must.Positive(t, qm.RequestTime)

	wm, err := client.put("/", struct{ S string }{"input"}, &out, nil)
	must.NoError(t, err)
	must.Positive(t, wm.RequestTime)

	wm, err = client.delete("/", &out, nil)
	must.NoError(t, err)
	must.Positive(t, wm.RequestTime)
}

func TestSetQueryOptions(t *testing.T) {
	t.Parallel()
	client, _ := makeTestClient(t, http.NotFoundHandler())

	r, err := client.newRequest("GET", "/v1/tasks")
	must.NoError(t, err)
	r.setQueryOptions(&QueryOptions{
		AuthToken: "session-token",
		Params:    map[string]string{"kind": KindVideoDeep},
	})

	must.Eq(t, "session-token", r.token)
	must.Eq(t, KindVideoDeep, r.params.Get("kind"))
}

func TestRequestToHTTP(t *testing.T) {
	t.Parallel()
	client, _ := makeTestClient(t, http.NotFoundHandler())

	r, err := client.newRequest("DELETE", "/v1/task/text-profile/doc-1")
	must.NoError(t, err)
	r.setQueryOptions(&QueryOptions{AuthToken: "session-token"})

	req, err := r.toHTTP()
	must.NoError(t, err)
	must.Eq(t, "DELETE", req.Method)
	must.Eq(t, "/v1/task/text-profile/doc-1", req.URL.RequestURI())
	must.Eq(t, "session-token", req.Header.Get("X-Windlass-Token"))
}

func TestParseQueryMeta(t *testing.T) {
	t.Parallel()
	resp := &http.Response{
		Header: make(map[string][]string),
	}
	resp.Header.Set("X-Windlass-Index", "12345")

	qm := &QueryMeta{}
	parseQueryMeta(resp, qm)
	must.Eq(t, 12345, qm.LastIndex)
}

func TestClientHeader(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	conf := DefaultConfig()
	conf.Address = srv.URL
	conf.Headers = http.Header{"Hello": []string{"World"}}
	client, err := NewClient(conf)
	must.NoError(t, err)

	r, err := client.newRequest("GET", "/v1/tasks")
	must.NoError(t, err)
	must.Eq(t, "World", r.header.Get("Hello"))
}

func TestUnexpectedResponseError(t *testing.T) {
	t.Parallel()
	client, _ := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "store outage", http.StatusServiceUnavailable)
	}))

	var out interface{}
	_, err := client.query("/v1/tasks", &out, nil)
	must.Error(t, err)

	var unexpected UnexpectedResponseError
	must.True(t, errors.As(err, &unexpected))
	must.Eq(t, http.StatusServiceUnavailable, unexpected.StatusCode())
	must.Eq(t, "store outage", unexpected.Body())
	must.StrContains(t, err.Error(), "503")
	must.StrContains(t, err.Error(), "store outage")
}
