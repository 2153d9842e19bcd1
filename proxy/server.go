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

// Package proxy implements a forward HTTP proxy that authenticates clients
// with a shared-secret token before relaying plain HTTP requests or opaque
// CONNECT tunnels to their destinations.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Jigsaw-Code/outline-token-proxy/transport"
)

// DefaultMaxHeadBytes caps request heads when [Server.MaxHeadBytes] is unset.
const DefaultMaxHeadBytes = 64 * 1024

// ErrServerClosed is returned by [Server.Serve] after a call to
// [Server.Shutdown] or [Server.Close].
var ErrServerClosed = errors.New("proxy: server closed")

// Server relays authenticated HTTP requests and CONNECT tunnels. Configure
// the exported fields before the first call to [Server.Serve]; they must not
// be modified afterwards.
//
// Each client connection is served by its own goroutine, and an established
// tunnel adds one more for the reverse direction. The practical connection
// ceiling is therefore file descriptors and goroutine memory; set
// MaxConnections to bound it.
type Server struct {
	// Auth validates client tokens. Required.
	Auth *Authenticator
	// Dialer establishes upstream connections. Defaults to a plain
	// [transport.TCPDialer].
	Dialer transport.StreamDialer
	// Logger receives connection lifecycle logs. Defaults to [slog.Default].
	Logger *slog.Logger
	// MaxHeadBytes caps the size of a request head. Defaults to
	// [DefaultMaxHeadBytes].
	MaxHeadBytes int
	// ReadHeaderTimeout bounds the wait for a complete request head. Zero
	// means no limit.
	ReadHeaderTimeout time.Duration
	// DialTimeout bounds upstream connection establishment. Zero means no
	// limit.
	DialTimeout time.Duration
	// TunnelIdleTimeout tears down CONNECT tunnels with no traffic in either
	// direction for the given duration. Zero keeps tunnels open indefinitely.
	TunnelIdleTimeout time.Duration
	// MaxConnections caps concurrently served client connections. Accepting
	// pauses while the proxy is at capacity. Zero means no cap.
	MaxConnections int

	mu           sync.Mutex
	listener     net.Listener
	conns        map[net.Conn]struct{}
	cancelAccept context.CancelFunc
	inShutdown   bool
}

// Serve accepts connections on l and serves them until [Server.Shutdown] or
// [Server.Close] is called. It always returns a non-nil error; after a clean
// shutdown the error is [ErrServerClosed]. The listener is closed on return.
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()
	acceptCtx, cancelAccept := context.WithCancel(context.Background())
	defer cancelAccept()

	s.mu.Lock()
	if s.inShutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("proxy: Serve already called")
	}
	s.listener = l
	s.cancelAccept = cancelAccept
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.mu.Unlock()

	var sem *semaphore.Weighted
	if s.MaxConnections > 0 {
		sem = semaphore.NewWeighted(int64(s.MaxConnections))
	}

	ctx := context.Background()
	for {
		if sem != nil {
			if err := sem.Acquire(acceptCtx, 1); err != nil {
				return ErrServerClosed
			}
		}
		conn, err := l.Accept()
		if err != nil {
			if sem != nil {
				sem.Release(1)
			}
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger().Warn("Accept failed, retrying", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		s.trackConn(conn, true)
		go func() {
			defer func() {
				conn.Close()
				s.trackConn(conn, false)
				if sem != nil {
					sem.Release(1)
				}
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits for active ones to
// finish, up to the deadline of ctx. Established CONNECT tunnels count as
// active and can keep a shutdown waiting; use [Server.Close] to drop them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopServing()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.numConns() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting new connections and closes all active ones.
func (s *Server) Close() error {
	err := s.stopServing()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return err
}

func (s *Server) stopServing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inShutdown = true
	if s.cancelAccept != nil {
		s.cancelAccept()
	}
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShutdown
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) numConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) dialer() transport.StreamDialer {
	if s.Dialer != nil {
		return s.Dialer
	}
	return defaultDialer
}

var defaultDialer = &transport.TCPDialer{}

func (s *Server) auth() *Authenticator {
	if s.Auth != nil {
		return s.Auth
	}
	return emptyAuthenticator
}

var emptyAuthenticator = NewAuthenticator(nil)

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) maxHeadBytes() int {
	if s.MaxHeadBytes > 0 {
		return s.MaxHeadBytes
	}
	return DefaultMaxHeadBytes
}
