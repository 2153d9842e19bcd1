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
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-token-proxy/internal/idletimer"
	"github.com/Jigsaw-Code/outline-token-proxy/transport"
)

// connectEstablished is sent to the client before any tunneled byte.
const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// tunnel serves a CONNECT request: it dials the target, confirms the tunnel
// to the client, and relays bytes in both directions until both are done.
func (s *Server) tunnel(ctx context.Context, clientConn transport.StreamConn, br *bufio.Reader, req *ParsedRequest) error {
	addr, err := connectTarget(req.Target)
	if err != nil {
		return err
	}
	dialCtx := ctx
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	targetConn, err := s.dialer().DialStream(dialCtx, addr)
	if err != nil {
		return fmt.Errorf("%w: dial %v: %v", ErrUpstream, addr, err)
	}
	defer targetConn.Close()

	// Inform the client that the connection has been established.
	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		return fmt.Errorf("%w: confirming tunnel: %v", ErrRelay, err)
	}

	// Bytes the client sent behind the request head are already buffered, so
	// the client-to-target direction must read through br to pick them up.
	client := transport.WrapConn(clientConn, br, clientConn)
	if err := relay(client, targetConn, s.TunnelIdleTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrRelay, err)
	}
	return nil
}

// connectTarget normalizes a CONNECT request target into a dialable
// host:port. Clients may send a bare authority, an authority without a port,
// or a full URI; the port defaults to 443 when omitted.
func connectTarget(target string) (string, error) {
	authority := target
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: bad CONNECT target %q", ErrProtocol, target)
		}
		authority = u.Host
	}
	addr := ensurePort(authority, "443")
	if host, _, err := net.SplitHostPort(addr); err != nil || host == "" {
		return "", fmt.Errorf("%w: bad CONNECT target %q", ErrProtocol, target)
	}
	return addr, nil
}

// relay copies bytes between the two connections until both directions are
// done. EOF on one direction is propagated to the other side as a half-close
// while the opposite direction keeps flowing. A positive idleTimeout tears
// the tunnel down after a period with no bytes moved in either direction.
func relay(client, target transport.StreamConn, idleTimeout time.Duration) error {
	var idle *idletimer.Timer
	relayDone := make(chan struct{})
	defer close(relayDone)
	if idleTimeout > 0 {
		idle = idletimer.New(idleTimeout)
		defer idle.Stop()
		go func() {
			select {
			case <-idle.Expired():
				client.Close()
				target.Close()
			case <-relayDone:
			}
		}()
	}

	copyDirection := func(dst, src transport.StreamConn) error {
		var r io.Reader = src
		if idle != nil {
			r = &activityReader{r: src, idle: idle}
		}
		_, err := io.Copy(dst, r)
		dst.CloseWrite()
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- copyDirection(target, client) }()
	go func() { errCh <- copyDirection(client, target) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !isClosedConnError(err) && firstErr == nil {
			firstErr = err
			// Unblock whichever direction is still running.
			client.Close()
			target.Close()
		}
	}
	return firstErr
}

// activityReader refreshes the tunnel's idle timer as bytes flow through.
type activityReader struct {
	r    io.Reader
	idle *idletimer.Timer
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.idle.Touch()
	}
	return n, err
}
