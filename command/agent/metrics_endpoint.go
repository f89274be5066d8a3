// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"

	log "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method == "GET" {
		return s.newMetricsRequest(resp, req)
	}
	return nil, CodedError(405, ErrInvalidMethod)
}

func (s *HTTPServer) newMetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if format := req.URL.Query().Get("format"); format == "prometheus" {
		// Only return Prometheus formatted metrics if the user has enabled
		// this functionality.
		if !s.agent.config.Telemetry.PrometheusMetrics {
			return nil, CodedError(415, "Prometheus is not enabled")
		}

		handlerOptions := promhttp.HandlerOpts{
			ErrorLog:      s.logger.StandardLogger(&log.StandardLoggerOptions{InferLevels: true}),
			ErrorHandling: promhttp.ContinueOnError,
		}

		handler := promhttp.HandlerFor(prometheus.DefaultGatherer, handlerOptions)
		handler.ServeHTTP(resp, req)
		return nil, nil
	}

	return s.agent.InmemSink.DisplayMetrics(resp, req)
}
