/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the Prometheus scrape endpoint on its own port so scrapes
// never contend with the status API the UI polls.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// NewServer builds the scrape server on the given port. Port 0 binds an
// ephemeral port; Addr reports the bound address after Start.
func NewServer(port int, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Init(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"healthy"}`)
	})

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			// Scrape responses grow with the registry; give them more room
			// than a header read
			WriteTimeout: 30 * time.Second,
		},
		log: log,
	}
}

// Addr returns the listen address, resolved to the actual port once Start has
// bound the listener
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

// Start binds the listener and begins serving scrapes in the background. A
// bind failure is reported here rather than from the serve goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to bind %s: %w", s.srv.Addr, err)
	}
	s.ln = ln

	s.log.Info("Metrics endpoint listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight scrapes and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
