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
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Error kinds reported by the connection pipeline. Wrapped errors carry the
// detail; use [errors.Is] against these to classify a failure.
var (
	// ErrProtocol marks a request the proxy could not parse or route.
	ErrProtocol = errors.New("malformed request")
	// ErrAuth marks a request with a missing or unknown token.
	ErrAuth = errors.New("authentication failed")
	// ErrUpstream marks a failure to reach or read from the requested destination.
	ErrUpstream = errors.New("upstream unreachable")
	// ErrRelay marks a connection that failed while bytes were being relayed.
	ErrRelay = errors.New("relay interrupted")
)

// errHeadTooLarge is the [ErrProtocol] raised when a request head exceeds the
// configured size limit. It gets a distinct response status.
var errHeadTooLarge = fmt.Errorf("%w: request head too large", ErrProtocol)

// isClosedConnError reports whether err is the result of the peer closing the
// connection or of our own teardown racing a pending read or write.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
