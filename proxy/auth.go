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
	"crypto/subtle"
	"fmt"
)

// TokenHeader is the header clients use to present their access token.
// It is stripped from forwarded requests.
const TokenHeader = "X-Proxy-Token"

type tokenEntry struct {
	label  string
	secret string
}

// Authenticator checks client-presented tokens against the configured secrets.
// The token set is fixed at construction and safe for concurrent use.
type Authenticator struct {
	tokens []tokenEntry
}

// NewAuthenticator builds an [Authenticator] from a label-to-secret map, as
// found in the configuration file. An empty map rejects every request.
func NewAuthenticator(tokens map[string]string) *Authenticator {
	entries := make([]tokenEntry, 0, len(tokens))
	for label, secret := range tokens {
		entries = append(entries, tokenEntry{label: label, secret: secret})
	}
	return &Authenticator{tokens: entries}
}

// Authenticate checks the token presented in req and returns the label of the
// matching configured secret. It fails when the header is absent, empty, or
// matches no secret exactly. Every configured secret is compared in constant
// time so a mismatch reveals nothing about partial matches.
func (a *Authenticator) Authenticate(req *ParsedRequest) (string, error) {
	token, ok := req.Header(TokenHeader)
	if !ok || token == "" {
		return "", fmt.Errorf("%w: missing %v header", ErrAuth, TokenHeader)
	}
	label := ""
	found := false
	for _, entry := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(entry.secret), []byte(token)) == 1 {
			label = entry.label
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: unknown token %v", ErrAuth, MaskToken(token))
	}
	return label, nil
}

// MaskToken returns a redacted form of a secret that is safe to log. Only the
// first and last four bytes are kept; short secrets are fully redacted.
func MaskToken(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
