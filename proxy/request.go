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
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// HeaderField is a single header line as sent by the client.
type HeaderField struct {
	Name  string
	Value string
}

// ParsedRequest is the head of one client request. Header order and duplicate
// fields are preserved so a forwarded request keeps its original shape. The
// request body, if any, is not consumed and follows in the connection's
// buffered reader.
type ParsedRequest struct {
	// Method is the request method, exactly as sent.
	Method string
	// Target is the request target: an authority for CONNECT requests, an
	// absolute or origin-form URI otherwise.
	Target string
	// Proto is the protocol version, "HTTP/1.0" or "HTTP/1.1".
	Proto string
	// Headers are the header fields in the order they arrived.
	Headers []HeaderField
}

// IsConnect reports whether this is a CONNECT request. Method tokens are
// case-sensitive, so "connect" is an ordinary method.
func (r *ParsedRequest) IsConnect() bool {
	return r.Method == "CONNECT"
}

// Header returns the value of the first field with the given name, matched
// case-insensitively, and whether such a field exists.
func (r *ParsedRequest) Header(name string) (string, bool) {
	for _, f := range r.Headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// readRequest parses one request head from br, consuming at most maxHeadBytes
// bytes. It returns io.EOF when the client closes before sending anything and
// io.ErrUnexpectedEOF when the connection ends mid-head.
func readRequest(br *bufio.Reader, maxHeadBytes int) (*ParsedRequest, error) {
	remaining := maxHeadBytes
	line, err := readLine(br, &remaining)
	if err == io.EOF {
		if line == "" {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	req, err := parseRequestLine(trimLineEnding(line))
	if err != nil {
		return nil, err
	}
	for {
		line, err := readLine(br, &remaining)
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
		line = trimLineEnding(line)
		if line == "" {
			return req, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("%w: header continuation lines are not supported", ErrProtocol)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line without a colon", ErrProtocol)
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: invalid header name %q", ErrProtocol, name)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: invalid value for header %q", ErrProtocol, name)
		}
		req.Headers = append(req.Headers, HeaderField{Name: name, Value: value})
	}
}

func parseRequestLine(line string) (*ParsedRequest, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: bad request line %q", ErrProtocol, line)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	// Methods share the HTTP token grammar with header field names.
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("%w: bad method %q", ErrProtocol, method)
	}
	if target == "" {
		return nil, fmt.Errorf("%w: empty request target", ErrProtocol)
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrProtocol, proto)
	}
	return &ParsedRequest{Method: method, Target: target, Proto: proto}, nil
}

// readLine reads a single line from br, including its line ending, consuming
// at most *remaining bytes across calls. Exceeding the budget returns
// errHeadTooLarge, also for lines longer than the reader's buffer.
func readLine(br *bufio.Reader, remaining *int) (string, error) {
	var line strings.Builder
	for {
		frag, err := br.ReadSlice('\n')
		*remaining -= len(frag)
		if *remaining < 0 {
			return "", errHeadTooLarge
		}
		line.Write(frag)
		if err == bufio.ErrBufferFull {
			continue
		}
		return line.String(), err
	}
}

func trimLineEnding(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
