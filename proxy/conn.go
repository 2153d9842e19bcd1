// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/Jigsaw-Code/outline-token-proxy/transport"
)

// handleConn serves one client connection: it parses request heads and
// dispatches them to the forward engine or the tunnel manager until the
// connection can no longer be reused.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.logger().With("client", conn.RemoteAddr().String())
	clientConn := asStreamConn(conn)
	br := bufio.NewReader(clientConn)
	for {
		if s.ReadHeaderTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.ReadHeaderTimeout))
		}
		req, err := readRequest(br, s.maxHeadBytes())
		if err != nil {
			s.rejectRequest(conn, logger, err)
			return
		}
		if s.ReadHeaderTimeout > 0 {
			conn.SetReadDeadline(time.Time{})
		}
		logger := logger.With("method", req.Method, "target", req.Target)

		// The health endpoint bypasses authentication.
		if !req.IsConnect() && req.Method == http.MethodGet && req.Target == "/health" {
			if err := writeResponse(conn, http.StatusOK, "OK", false); err != nil {
				return
			}
			continue
		}

		label, err := s.auth().Authenticate(req)
		if err != nil {
			logger.Warn("Rejected request", "error", err)
			writeResponse(conn, http.StatusForbidden, "Invalid or missing token", true)
			return
		}
		logger = logger.With("token", label)

		if req.IsConnect() {
			start := time.Now()
			switch err := s.tunnel(ctx, clientConn, br, req); {
			case err == nil:
				logger.Debug("Tunnel closed", "duration", time.Since(start))
			case errors.Is(err, ErrProtocol):
				logger.Warn("Rejected CONNECT target", "error", err)
				writeResponse(conn, http.StatusBadRequest, "Bad request", true)
			case errors.Is(err, ErrUpstream):
				logger.Warn("CONNECT failed", "error", err)
				writeResponse(conn, http.StatusBadGateway, "Failed to connect to target", true)
			default:
				logger.Debug("Tunnel ended", "error", err, "duration", time.Since(start))
			}
			return
		}

		keepAlive, err := s.forward(ctx, clientConn, br, req)
		if err != nil {
			switch {
			case errors.Is(err, ErrProtocol):
				logger.Warn("Rejected request", "error", err)
				writeResponse(conn, http.StatusBadRequest, "Bad request", true)
			case errors.Is(err, ErrUpstream):
				logger.Warn("Upstream request failed", "error", err)
				writeResponse(conn, http.StatusBadGateway, "Failed to reach destination", true)
			default:
				if !isClosedConnError(err) {
					logger.Warn("Relay failed", "error", err)
				}
			}
			return
		}
		logger.Debug("Request completed")
		if !keepAlive {
			return
		}
	}
}

// rejectRequest responds to a failed head read where a response is owed at
// all; a disconnect or timeout before a complete head is a normal event.
func (s *Server) rejectRequest(conn net.Conn, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isClosedConnError(err):
		logger.Debug("Client disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Debug("Timed out waiting for a request")
	case errors.Is(err, errHeadTooLarge):
		logger.Warn("Request head too large")
		writeResponse(conn, http.StatusRequestHeaderFieldsTooLarge, "Request head too large", true)
	case errors.Is(err, ErrProtocol):
		logger.Warn("Malformed request", "error", err)
		writeResponse(conn, http.StatusBadRequest, "Bad request", true)
	default:
		logger.Warn("Failed to read request", "error", err)
	}
}

// asStreamConn adapts a net.Conn to a [transport.StreamConn]. TCP connections
// support closing each direction independently; other connections fall back
// to a full close on CloseWrite.
func asStreamConn(conn net.Conn) transport.StreamConn {
	if sc, ok := conn.(transport.StreamConn); ok {
		return sc
	}
	return &fullCloseConn{Conn: conn}
}

type fullCloseConn struct {
	net.Conn
}

func (c *fullCloseConn) CloseRead() error  { return nil }
func (c *fullCloseConn) CloseWrite() error { return c.Conn.Close() }
