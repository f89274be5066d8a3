// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package api is the Go client for the windlass HTTP API.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	rootcerts "github.com/hashicorp/go-rootcerts"
)

var (
	// ClientConnTimeout is the timeout applied when attempting to contact
	// an agent.
	ClientConnTimeout = 5 * time.Second
)

// QueryOptions are applied to read requests.
type QueryOptions struct {
	// AuthToken is the session credential presented with this request,
	// overriding the client's configured token.
	AuthToken string

	// Params are additional query parameters.
	Params map[string]string

	// ctx is an optional context pass through to the underlying HTTP
	// request layer. Use Context() and WithContext() to manage this.
	ctx context.Context
}

// WriteOptions are applied to write requests.
type WriteOptions struct {
	// AuthToken is the session credential presented with this request,
	// overriding the client's configured token.
	AuthToken string

	// ctx is an optional context pass through to the underlying HTTP
	// request layer. Use Context() and WithContext() to manage this.
	ctx context.Context
}

// QueryMeta is returned with read responses.
type QueryMeta struct {
	// LastIndex is the modify index of the row the response describes,
	// usable to discard stale reads.
	LastIndex uint64

	// RequestTime is the total time of the round trip.
	RequestTime time.Duration
}

// WriteMeta is returned with write responses.
type WriteMeta struct {
	// LastIndex is the modify index after the write.
	LastIndex uint64

	// RequestTime is the total time of the round trip.
	RequestTime time.Duration
}

// HttpBasicAuth is used to authenticate HTTP requests through a proxy
// that fronts the agent.
type HttpBasicAuth struct {
	Username string
	Password string
}

// Config is used to configure the creation of a client.
type Config struct {
	// Address is the address of the windlass agent.
	Address string

	// SessionToken is the session credential sent with each request via
	// the X-Windlass-Token header. Refreshed credentials surfaced on poll
	// responses replace it through SetSessionToken.
	SessionToken string

	// HttpAuth is the auth info to use for HTTP access.
	HttpAuth *HttpBasicAuth

	// HttpClient is the client to use. Default will be used if not
	// provided.
	HttpClient *http.Client

	// WaitTime caps how long a single poll request may take.
	WaitTime time.Duration

	// TLSConfig provides the various TLS-related configurations for the
	// HTTP client.
	TLSConfig *TLSConfig

	// Headers is an optional set of headers applied to every request.
	Headers http.Header
}

// ClientConfig copies the configuration with a new address, used when
// following an agent redirect.
func (c *Config) ClientConfig(address string, tlsEnabled bool) *Config {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	config := &Config{
		Address:      fmt.Sprintf("%s://%s", scheme, address),
		SessionToken: c.SessionToken,
		HttpAuth:     c.HttpAuth,
		HttpClient:   c.HttpClient,
		WaitTime:     c.WaitTime,
		TLSConfig:    c.TLSConfig.Copy(),
		Headers:      c.Headers,
	}
	return config
}

// TLSConfig contains the parameters needed to configure TLS on the HTTP
// client used to communicate with the agent.
type TLSConfig struct {
	// CACert is the path to a PEM-encoded CA cert file to use to verify
	// the agent SSL certificate.
	CACert string

	// CAPath is the path to a directory of PEM-encoded CA cert files.
	CAPath string

	// CACertPEM is the PEM-encoded CA cert to use.
	CACertPEM []byte

	// ClientCert is the path to the certificate for client
	// authentication.
	ClientCert string

	// ClientCertPEM is the PEM-encoded client certificate.
	ClientCertPEM []byte

	// ClientKey is the path to the private key for client authentication.
	ClientKey string

	// ClientKeyPEM is the PEM-encoded client key.
	ClientKeyPEM []byte

	// TLSServerName, if set, is used to set the SNI host when connecting
	// via TLS.
	TLSServerName string

	// Insecure enables or disables SSL verification.
	Insecure bool
}

func (t *TLSConfig) Copy() *TLSConfig {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}

func defaultHttpClient() *http.Client {
	httpClient := cleanhttp.DefaultPooledClient()
	transport := httpClient.Transport.(*http.Transport)
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	return httpClient
}

// DefaultConfig returns a default configuration for the client, checking
// the WINDLASS_* environment variables for overrides.
func DefaultConfig() *Config {
	config := &Config{
		Address:   "http://127.0.0.1:4626",
		TLSConfig: &TLSConfig{},
	}
	if addr := os.Getenv("WINDLASS_ADDR"); addr != "" {
		config.Address = addr
	}
	if token := os.Getenv("WINDLASS_SESSION_TOKEN"); token != "" {
		config.SessionToken = token
	}
	if auth := os.Getenv("WINDLASS_HTTP_AUTH"); auth != "" {
		var username, password string
		if strings.Contains(auth, ":") {
			split := strings.SplitN(auth, ":", 2)
			username = split[0]
			password = split[1]
		} else {
			username = auth
		}
		config.HttpAuth = &HttpBasicAuth{
			Username: username,
			Password: password,
		}
	}

	// Read TLS specific env vars
	if v := os.Getenv("WINDLASS_CACERT"); v != "" {
		config.TLSConfig.CACert = v
	}
	if v := os.Getenv("WINDLASS_CAPATH"); v != "" {
		config.TLSConfig.CAPath = v
	}
	if v := os.Getenv("WINDLASS_CLIENT_CERT"); v != "" {
		config.TLSConfig.ClientCert = v
	}
	if v := os.Getenv("WINDLASS_CLIENT_KEY"); v != "" {
		config.TLSConfig.ClientKey = v
	}
	if v := os.Getenv("WINDLASS_TLS_SERVER_NAME"); v != "" {
		config.TLSConfig.TLSServerName = v
	}
	if v := os.Getenv("WINDLASS_SKIP_VERIFY"); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			config.TLSConfig.Insecure = insecure
		}
	}

	return config
}

// ConfigureTLS applies a set of TLS configurations to the HTTP client.
func ConfigureTLS(httpClient *http.Client, tlsConfig *TLSConfig) error {
	if tlsConfig == nil {
		return nil
	}
	if httpClient == nil {
		return errors.New("config HTTP Client must be set")
	}

	var clientCert tls.Certificate
	foundClientCert := false
	if tlsConfig.ClientCert != "" || tlsConfig.ClientKey != "" {
		if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
			var err error
			clientCert, err = tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
			if err != nil {
				return err
			}
			foundClientCert = true
		} else {
			return errors.New("Both client cert and client key must be provided")
		}
	} else if len(tlsConfig.ClientCertPEM) != 0 || len(tlsConfig.ClientKeyPEM) != 0 {
		if len(tlsConfig.ClientCertPEM) != 0 && len(tlsConfig.ClientKeyPEM) != 0 {
			var err error
			clientCert, err = tls.X509KeyPair(tlsConfig.ClientCertPEM, tlsConfig.ClientKeyPEM)
			if err != nil {
				return err
			}
			foundClientCert = true
		} else {
			return errors.New("Both client cert and client key must be provided")
		}
	}

	clientTLSConfig := httpClient.Transport.(*http.Transport).TLSClientConfig
	rootConfig := &rootcerts.Config{
		CAFile:        tlsConfig.CACert,
		CAPath:        tlsConfig.CAPath,
		CACertificate: tlsConfig.CACertPEM,
	}
	if err := rootcerts.ConfigureTLS(clientTLSConfig, rootConfig); err != nil {
		return err
	}

	clientTLSConfig.InsecureSkipVerify = tlsConfig.Insecure

	if foundClientCert {
		clientTLSConfig.Certificates = []tls.Certificate{clientCert}
	}
	if tlsConfig.TLSServerName != "" {
		clientTLSConfig.ServerName = tlsConfig.TLSServerName
	}

	return nil
}

// Client provides a client to the windlass API.
type Client struct {
	httpClient *http.Client
	config     Config
	configLock sync.RWMutex
}

// NewClient returns a new client.
func NewClient(config *Config) (*Client, error) {
	// bootstrap the config
	defConfig := DefaultConfig()

	if config.Address == "" {
		config.Address = defConfig.Address
	} else if _, err := url.Parse(config.Address); err != nil {
		return nil, fmt.Errorf("invalid address '%s': %v", config.Address, err)
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = defaultHttpClient()
		if err := ConfigureTLS(httpClient, config.TLSConfig); err != nil {
			return nil, err
		}
	}

	client := &Client{
		config:     *config,
		httpClient: httpClient,
	}
	return client, nil
}

// Address returns the address of the windlass agent which is usually
// against a proxy or load balancer in front of several agents.
func (c *Client) Address() string {
	c.configLock.RLock()
	defer c.configLock.RUnlock()
	return c.config.Address
}

// SetSessionToken replaces the session credential sent with subsequent
// requests, typically with a refreshed credential surfaced on a poll
// response.
func (c *Client) SetSessionToken(token string) {
	c.configLock.Lock()
	defer c.configLock.Unlock()
	c.config.SessionToken = token
}

func (c *Client) sessionToken() string {
	c.configLock.RLock()
	defer c.configLock.RUnlock()
	return c.config.SessionToken
}

// request is used to help build up a request
type request struct {
	config *Config
	method string
	url    *url.URL
	params url.Values
	token  string
	body   io.Reader
	obj    interface{}
	ctx    context.Context
	header http.Header
}

// setQueryOptions is used to annotate the request with additional query
// options.
func (r *request) setQueryOptions(q *QueryOptions) {
	if q == nil {
		return
	}
	for k, v := range q.Params {
		r.params.Set(k, v)
	}
	if q.AuthToken != "" {
		r.token = q.AuthToken
	}
	r.ctx = q.Context()
}

// setWriteOptions is used to annotate the request with additional write
// options.
func (r *request) setWriteOptions(w *WriteOptions) {
	if w == nil {
		return
	}
	if w.AuthToken != "" {
		r.token = w.AuthToken
	}
	r.ctx = w.Context()
}

// toHTTP converts the request to an HTTP request.
func (r *request) toHTTP() (*http.Request, error) {
	// Encode the query parameters
	r.url.RawQuery = r.params.Encode()

	// Check if we should encode the body
	if r.body == nil && r.obj != nil {
		if b, err := encodeBody(r.obj); err != nil {
			return nil, err
		} else {
			r.body = b
		}
	}

	ctx := func() context.Context {
		if r.ctx != nil {
			return r.ctx
		}
		return context.Background()
	}()

	req, err := http.NewRequestWithContext(ctx, r.method, r.url.RequestURI(), r.body)
	if err != nil {
		return nil, err
	}

	req.Header = r.header
	req.URL.Host = r.url.Host
	req.URL.Scheme = r.url.Scheme
	req.Host = r.url.Host

	if r.config.HttpAuth != nil {
		req.SetBasicAuth(r.config.HttpAuth.Username, r.config.HttpAuth.Password)
	}
	if r.token != "" {
		req.Header.Set("X-Windlass-Token", r.token)
	}

	return req, nil
}

// newRequest is used to create a new request.
func (c *Client) newRequest(method, path string) (*request, error) {
	base, _ := url.Parse(c.config.Address)
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	r := &request{
		config: &c.config,
		method: method,
		url: &url.URL{
			Scheme:  base.Scheme,
			User:    base.User,
			Host:    base.Host,
			Path:    u.Path,
			RawPath: u.RawPath,
		},
		header: make(http.Header),
		params: make(map[string][]string),
	}

	// Add in the query parameters, if any
	for key, values := range u.Query() {
		for _, value := range values {
			r.params.Add(key, value)
		}
	}

	for key, values := range c.config.Headers {
		r.header[key] = values
	}

	r.token = c.sessionToken()

	return r, nil
}

// doRequest runs a request with our client.
func (c *Client) doRequest(r *request) (time.Duration, *http.Response, error) {
	req, err := r.toHTTP()
	if err != nil {
		return 0, nil, err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	diff := time.Since(start)

	return diff, resp, err
}

// query is used to do a GET request against an endpoint and deserialize
// the response into an interface using standard windlass conventions.
func (c *Client) query(endpoint string, out interface{}, q *QueryOptions) (*QueryMeta, error) {
	r, err := c.newRequest("GET", endpoint)
	if err != nil {
		return nil, err
	}
	r.setQueryOptions(q)
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	qm := &QueryMeta{}
	parseQueryMeta(resp, qm)
	qm.RequestTime = rtt

	if err := decodeBody(resp, out); err != nil {
		return nil, err
	}
	return qm, nil
}

// put is used to do a PUT request against an endpoint and deserialize
// the response into an interface using standard windlass conventions.
func (c *Client) put(endpoint string, in, out interface{}, w *WriteOptions) (*WriteMeta, error) {
	return c.write(http.MethodPut, endpoint, in, out, w)
}

// post is used to do a POST request against an endpoint.
func (c *Client) post(endpoint string, in, out interface{}, w *WriteOptions) (*WriteMeta, error) {
	return c.write(http.MethodPost, endpoint, in, out, w)
}

func (c *Client) write(verb, endpoint string, in, out interface{}, w *WriteOptions) (*WriteMeta, error) {
	r, err := c.newRequest(verb, endpoint)
	if err != nil {
		return nil, err
	}
	r.setWriteOptions(w)
	r.obj = in
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wm := &WriteMeta{RequestTime: rtt}
	parseWriteMeta(resp, wm)

	if out != nil {
		if err := decodeBody(resp, &out); err != nil {
			return nil, err
		}
	}
	return wm, nil
}

// delete is used to do a DELETE request against an endpoint and
// deserialize the response into an interface using standard windlass
// conventions.
func (c *Client) delete(endpoint string, out interface{}, w *WriteOptions) (*WriteMeta, error) {
	r, err := c.newRequest("DELETE", endpoint)
	if err != nil {
		return nil, err
	}
	r.setWriteOptions(w)
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wm := &WriteMeta{RequestTime: rtt}
	parseWriteMeta(resp, wm)

	if out != nil {
		if err := decodeBody(resp, &out); err != nil {
			return nil, err
		}
	}
	return wm, nil
}

// parseQueryMeta is used to help parse query meta-data.
func parseQueryMeta(resp *http.Response, q *QueryMeta) {
	if indexStr := resp.Header.Get("X-Windlass-Index"); indexStr != "" {
		if index, err := strconv.ParseUint(indexStr, 10, 64); err == nil {
			q.LastIndex = index
		}
	}
}

// parseWriteMeta is used to help parse write meta-data.
func parseWriteMeta(resp *http.Response, m *WriteMeta) {
	if indexStr := resp.Header.Get("X-Windlass-Index"); indexStr != "" {
		if index, err := strconv.ParseUint(indexStr, 10, 64); err == nil {
			m.LastIndex = index
		}
	}
}

// decodeBody is used to JSON decode a body.
func decodeBody(resp *http.Response, out interface{}) error {
	switch resp.ContentLength {
	case 0:
		if out == nil {
			return nil
		}
		return errors.New("Got 0 byte response with non-nil decode object")
	default:
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
}

// encodeBody is used to encode a request body.
func encodeBody(obj interface{}) (io.Reader, error) {
	if reader, ok := obj.(io.Reader); ok {
		return reader, nil
	}

	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return buf, nil
}

// Context returns the context used for canceling HTTP requests related
// to this query.
func (o *QueryOptions) Context() context.Context {
	if o != nil && o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

// WithContext creates a copy of the query options using the provided
// context to cancel related HTTP requests.
func (o *QueryOptions) WithContext(ctx context.Context) *QueryOptions {
	o2 := new(QueryOptions)
	if o != nil {
		*o2 = *o
	}
	o2.ctx = ctx
	return o2
}

// Context returns the context used for canceling HTTP requests related
// to this write.
func (o *WriteOptions) Context() context.Context {
	if o != nil && o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

// WithContext creates a copy of the write options using the provided
// context to cancel related HTTP requests.
func (o *WriteOptions) WithContext(ctx context.Context) *WriteOptions {
	o2 := new(WriteOptions)
	if o != nil {
		*o2 = *o
	}
	o2.ctx = ctx
	return o2
}
