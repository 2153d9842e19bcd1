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
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseHead(t *testing.T, raw string) (*ParsedRequest, *bufio.Reader, error) {
	t.Helper()
	return parseHeadN(t, raw, DefaultMaxHeadBytes)
}

func parseHeadN(t *testing.T, raw string, maxBytes int) (*ParsedRequest, *bufio.Reader, error) {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	req, err := readRequest(br, maxBytes)
	return req, br, err
}

func TestReadRequest(t *testing.T) {
	req, br, err := parseHead(t, "GET http://example.com/path?q=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\nBODY")
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "http://example.com/path?q=1", req.Target)
	require.Equal(t, "HTTP/1.1", req.Proto)
	require.Equal(t, []HeaderField{
		{Name: "Host", Value: "example.com"},
		{Name: "Accept", Value: "*/*"},
	}, req.Headers)

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "BODY", string(rest), "body bytes must stay in the buffered reader")
}

func TestReadRequestPreservesOrderAndDuplicates(t *testing.T) {
	req, _, err := parseHead(t, "GET / HTTP/1.1\r\nX-A: 1\r\nX-B: 2\r\nX-A: 3\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, []HeaderField{
		{Name: "X-A", Value: "1"},
		{Name: "X-B", Value: "2"},
		{Name: "X-A", Value: "3"},
	}, req.Headers)

	v, ok := req.Header("x-a")
	require.True(t, ok)
	require.Equal(t, "1", v, "Header returns the first value")
}

func TestReadRequestValueWithColon(t *testing.T) {
	req, _, err := parseHead(t, "GET / HTTP/1.1\r\nAuthorization: Basic dXNlcjpwYXNz\r\nReferer: http://a/b\r\n\r\n")
	require.NoError(t, err)
	v, ok := req.Header("Authorization")
	require.True(t, ok)
	require.Equal(t, "Basic dXNlcjpwYXNz", v)
	v, ok = req.Header("Referer")
	require.True(t, ok)
	require.Equal(t, "http://a/b", v)
}

func TestReadRequestConnectIsCaseSensitive(t *testing.T) {
	req, _, err := parseHead(t, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	require.True(t, req.IsConnect())

	req, _, err = parseHead(t, "connect example.com:443 HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	require.False(t, req.IsConnect(), "lowercase connect is an ordinary method")
}

func TestReadRequestBareLF(t *testing.T) {
	req, _, err := parseHead(t, "GET / HTTP/1.1\nHost: example.com\n\n")
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	v, ok := req.Header("Host")
	require.True(t, ok)
	require.Equal(t, "example.com", v)
}

func TestReadRequestMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"two fields":        "GET /\r\n\r\n",
		"four fields":       "GET / HTTP/1.1 extra\r\n\r\n",
		"bad version":       "GET / HTTP/2.0\r\n\r\n",
		"leading blank":     "\r\nGET / HTTP/1.1\r\n\r\n",
		"bad method":        "G@T / HTTP/1.1\r\n\r\n",
		"no colon":          "GET / HTTP/1.1\r\nWeird\r\n\r\n",
		"space in name":     "GET / HTTP/1.1\r\nBad Name: x\r\n\r\n",
		"obs fold":          "GET / HTTP/1.1\r\nX-A: 1\r\n continued\r\n\r\n",
		"control in value":  "GET / HTTP/1.1\r\nX-A: a\x01b\r\n\r\n",
		"double space line": "GET  / HTTP/1.1\r\n\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseHead(t, raw)
			require.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestReadRequestEarlyEOF(t *testing.T) {
	_, _, err := parseHead(t, "")
	require.ErrorIs(t, err, io.EOF)

	for _, raw := range []string{
		"GET",
		"GET / HTTP/1.1\r\n",
		"GET / HTTP/1.1\r\nHost: e",
	} {
		_, _, err := parseHead(t, raw)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF, "%q", raw)
	}
}

func TestReadRequestHeadTooLarge(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Filler: " + strings.Repeat("a", 2048) + "\r\n\r\n"
	_, _, err := parseHeadN(t, raw, 1024)
	require.ErrorIs(t, err, errHeadTooLarge)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestReadRequestLongLineBeyondBuffer(t *testing.T) {
	// Longer than the default bufio.Reader buffer, still under the head limit.
	v := strings.Repeat("a", 10000)
	req, _, err := parseHead(t, "GET / HTTP/1.1\r\nX-Long: "+v+"\r\n\r\n")
	require.NoError(t, err)
	got, ok := req.Header("X-Long")
	require.True(t, ok)
	require.Equal(t, v, got)
}
