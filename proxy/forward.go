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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// maxChunkLineBytes bounds a single chunk-size or trailer line.
const maxChunkLineBytes = 4096

// forward relays one plain HTTP exchange: it dials the upstream, replays the
// rewritten request head, streams the request body, and relays the upstream
// response verbatim. It reports whether the client connection can serve
// another request afterwards.
func (s *Server) forward(ctx context.Context, clientConn net.Conn, br *bufio.Reader, req *ParsedRequest) (keepAlive bool, err error) {
	addr, originForm, hostHeader, err := resolveForwardTarget(req)
	if err != nil {
		return false, err
	}
	reqLength, hasLength, err := contentLengthOf(req)
	if err != nil {
		return false, err
	}

	dialCtx := ctx
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	targetConn, err := s.dialer().DialStream(dialCtx, addr)
	if err != nil {
		return false, fmt.Errorf("%w: dial %v: %v", ErrUpstream, addr, err)
	}
	defer targetConn.Close()

	if _, err := io.WriteString(targetConn, buildForwardHead(req, originForm, hostHeader)); err != nil {
		return false, fmt.Errorf("%w: writing request head: %v", ErrUpstream, err)
	}

	switch {
	case isChunked(req):
		if err := relayChunked(targetConn, br); err != nil {
			return false, fmt.Errorf("%w: relaying request body: %v", ErrRelay, err)
		}
	case hasLength && reqLength > 0:
		if _, err := io.CopyN(targetConn, br, reqLength); err != nil {
			return false, fmt.Errorf("%w: relaying request body: %v", ErrRelay, err)
		}
	}

	upstream := bufio.NewReader(targetConn)
	resp, err := readResponseHead(upstream, s.maxHeadBytes())
	for err == nil && resp.statusCode >= 100 && resp.statusCode < 200 {
		// Informational responses precede the final one; pass them along.
		if _, werr := clientConn.Write(resp.raw); werr != nil {
			return false, fmt.Errorf("%w: writing response head: %v", ErrRelay, werr)
		}
		resp, err = readResponseHead(upstream, s.maxHeadBytes())
	}
	if err != nil {
		return false, fmt.Errorf("%w: reading response from %v: %v", ErrUpstream, addr, err)
	}
	if _, err := clientConn.Write(resp.raw); err != nil {
		return false, fmt.Errorf("%w: writing response head: %v", ErrRelay, err)
	}

	clientClose := false
	if v, ok := req.Header("Connection"); ok {
		clientClose = wantsClose(v)
	}
	keepAlive = req.Proto == "HTTP/1.1" && !clientClose && !resp.close

	switch {
	case req.Method == http.MethodHead ||
		resp.statusCode == http.StatusNoContent || resp.statusCode == http.StatusNotModified:
		// No body follows the head.
	case resp.chunked:
		if err := relayChunked(clientConn, upstream); err != nil {
			return false, fmt.Errorf("%w: relaying response body: %v", ErrRelay, err)
		}
	case resp.contentLength >= 0:
		if resp.contentLength > 0 {
			if _, err := io.CopyN(clientConn, upstream, resp.contentLength); err != nil {
				return false, fmt.Errorf("%w: relaying response body: %v", ErrRelay, err)
			}
		}
	default:
		// Close-delimited body: relay until the upstream hangs up.
		keepAlive = false
		if _, err := io.Copy(clientConn, upstream); err != nil && !isClosedConnError(err) {
			return false, fmt.Errorf("%w: relaying response body: %v", ErrRelay, err)
		}
	}
	return keepAlive, nil
}

// resolveForwardTarget determines the upstream address for a non-CONNECT
// request, along with the origin-form target to send and the Host header value
// to add when the client sent none. An absolute request target takes
// precedence over the Host header.
func resolveForwardTarget(req *ParsedRequest) (addr, originForm, hostHeader string, err error) {
	if strings.HasPrefix(req.Target, "/") {
		host, ok := req.Header("Host")
		if !ok || host == "" {
			return "", "", "", fmt.Errorf("%w: no Host header to route relative target", ErrProtocol)
		}
		return ensurePort(host, "80"), req.Target, "", nil
	}
	u, err := url.Parse(req.Target)
	if err != nil || u.Host == "" {
		return "", "", "", fmt.Errorf("%w: unsupported request target %q", ErrProtocol, req.Target)
	}
	var port string
	switch u.Scheme {
	case "http":
		port = "80"
	case "https":
		port = "443"
	default:
		return "", "", "", fmt.Errorf("%w: unsupported scheme %q", ErrProtocol, u.Scheme)
	}
	return ensurePort(u.Host, port), u.RequestURI(), u.Host, nil
}

// buildForwardHead serializes the upstream request head: origin-form request
// line, then the client's header fields in their original order, minus the
// fields that belong to the proxy hop.
func buildForwardHead(req *ParsedRequest, originForm, hostHeader string) string {
	var head strings.Builder
	fmt.Fprintf(&head, "%s %s %s\r\n", req.Method, originForm, req.Proto)
	if _, ok := req.Header("Host"); !ok && hostHeader != "" {
		fmt.Fprintf(&head, "Host: %s\r\n", hostHeader)
	}
	for _, f := range req.Headers {
		if isHopHeader(f.Name) {
			continue
		}
		fmt.Fprintf(&head, "%s: %s\r\n", f.Name, f.Value)
	}
	head.WriteString("\r\n")
	return head.String()
}

// isHopHeader reports whether the field belongs to the client-proxy hop and
// must not reach the upstream.
func isHopHeader(name string) bool {
	return strings.EqualFold(name, TokenHeader) ||
		strings.EqualFold(name, "Proxy-Connection") ||
		strings.EqualFold(name, "Proxy-Authorization") ||
		strings.EqualFold(name, "Proxy-Authenticate")
}

// ensurePort returns hostport unchanged when it already carries a port, and
// joins it with defaultPort otherwise.
func ensurePort(hostport, defaultPort string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(strings.Trim(hostport, "[]"), defaultPort)
}

func contentLengthOf(req *ParsedRequest) (int64, bool, error) {
	v, ok := req.Header("Content-Length")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("%w: invalid Content-Length %q", ErrProtocol, v)
	}
	return n, true, nil
}

func isChunked(req *ParsedRequest) bool {
	v, ok := req.Header("Transfer-Encoding")
	return ok && strings.Contains(strings.ToLower(v), "chunked")
}

// wantsClose reports whether a Connection header value asks for the
// connection to be closed after the exchange.
func wantsClose(value string) bool {
	for _, token := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(token), "close") {
			return true
		}
	}
	return false
}

// responseHead is the parsed head of an upstream response. raw holds the head
// bytes exactly as received, including the blank line, so they can be relayed
// without reserialization.
type responseHead struct {
	raw           []byte
	statusCode    int
	contentLength int64
	chunked       bool
	close         bool
}

// readResponseHead reads one response head from br, preserving its bytes while
// extracting what the relay needs for framing. contentLength is -1 when the
// response carries no Content-Length header.
func readResponseHead(br *bufio.Reader, maxHeadBytes int) (*responseHead, error) {
	remaining := maxHeadBytes
	head := &responseHead{contentLength: -1}
	var raw bytes.Buffer

	line, err := readLine(br, &remaining)
	if err != nil {
		return nil, err
	}
	raw.WriteString(line)
	head.statusCode, err = parseStatusLine(trimLineEnding(line))
	if err != nil {
		return nil, err
	}
	for {
		line, err := readLine(br, &remaining)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		raw.WriteString(line)
		trimmed := trimLineEnding(line)
		if trimmed == "" {
			break
		}
		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		value = strings.Trim(value, " \t")
		switch {
		case strings.EqualFold(name, "Content-Length"):
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				head.contentLength = n
			}
		case strings.EqualFold(name, "Transfer-Encoding"):
			if strings.Contains(strings.ToLower(value), "chunked") {
				head.chunked = true
			}
		case strings.EqualFold(name, "Connection"):
			if wantsClose(value) {
				head.close = true
			}
		}
	}
	head.raw = raw.Bytes()
	return head, nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || (parts[0] != "HTTP/1.1" && parts[0] != "HTTP/1.0") {
		return 0, fmt.Errorf("bad status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("bad status code in %q", line)
	}
	return code, nil
}

// relayChunked copies a chunked-encoded body from src to dst without decoding
// it: sizes, extensions, data and trailers pass through byte for byte.
func relayChunked(dst io.Writer, src *bufio.Reader) error {
	for {
		budget := maxChunkLineBytes
		line, err := readLine(src, &budget)
		if errors.Is(err, errHeadTooLarge) {
			return fmt.Errorf("chunk size line too long")
		}
		if err != nil {
			return err
		}
		if _, err := io.WriteString(dst, line); err != nil {
			return err
		}
		size, err := parseChunkSize(trimLineEnding(line))
		if err != nil {
			return err
		}
		if size == 0 {
			break
		}
		// Chunk data plus its trailing CRLF.
		if _, err := io.CopyN(dst, src, size+2); err != nil {
			return err
		}
	}
	// Trailer fields, through the blank line that ends the body.
	for {
		budget := maxChunkLineBytes
		line, err := readLine(src, &budget)
		if errors.Is(err, errHeadTooLarge) {
			return fmt.Errorf("trailer line too long")
		}
		if err != nil {
			return err
		}
		if _, err := io.WriteString(dst, line); err != nil {
			return err
		}
		if trimLineEnding(line) == "" {
			return nil
		}
	}
}

func parseChunkSize(line string) (int64, error) {
	sizeStr, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("bad chunk size %q", line)
	}
	return size, nil
}
