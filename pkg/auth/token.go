// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth verifies the signed bearer tokens minted by the Barrix plugin
// backend. A token is two base64url segments joined by a dot: the claims JSON
// and an HMAC-SHA256 signature computed over the encoded claims text.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// ErrorKind classifies why a token failed verification.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	// ErrMalformedToken covers structural failures: wrong segment count,
	// undecodable base64url, or claims that are not valid JSON.
	ErrMalformedToken
	// ErrInvalidSignature means the HMAC did not match.
	ErrInvalidSignature
	// ErrTokenExpired means the signature matched but exp is missing or past.
	ErrTokenExpired
)

// String returns a stable identifier suitable for logs and API responses.
func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrMalformedToken:
		return "malformed_token"
	case ErrInvalidSignature:
		return "invalid_signature"
	case ErrTokenExpired:
		return "token_expired"
	default:
		return "unknown"
	}
}

// Claims holds the decoded token payload. The issuer may include arbitrary
// fields beyond the ones the gateway interprets, so the payload is kept as a
// generic map and echoed back to callers verbatim.
type Claims map[string]any

// Exp returns the expiry as Unix seconds. The second return is false when the
// claim is absent or not numeric. JSON numbers decode as float64.
func (c Claims) Exp() (int64, bool) {
	raw, ok := c["exp"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Plan returns the plan claim, defaulting to "free" when absent or not a
// string.
func (c Claims) Plan() string {
	if v, ok := c["plan"].(string); ok && v != "" {
		return v
	}
	return "free"
}

// Decision is the outcome of verifying a single token. It is produced fresh
// per request and never cached. Claims is populated on success and also on
// expiry, so callers can still inspect an expired token's contents.
type Decision struct {
	OK     bool
	Claims Claims
	Reason ErrorKind
}

// Verifier checks tokens against a shared secret. Now is injectable for
// tests.
type Verifier struct {
	Secret string
	Now    func() time.Time
}

// NewVerifier constructs a verifier with the provided secret and sane
// defaults.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		Secret: secret,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Verify checks a bearer token and returns the decision. The signature is
// computed over the exact base64url text of the first segment, never over the
// decoded claims bytes. Verification has no side effects; the result depends
// only on the inputs and the current time.
func (v *Verifier) Verify(token string) Decision {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Decision{Reason: ErrMalformedToken}
	}

	payloadText, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Decision{Reason: ErrMalformedToken}
	}

	claimed, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Decision{Reason: ErrMalformedToken}
	}

	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(parts[0]))
	expected := mac.Sum(nil)

	// hmac.Equal is constant time and rejects unequal lengths without
	// comparing contents.
	if !hmac.Equal(claimed, expected) {
		return Decision{Reason: ErrInvalidSignature}
	}

	var claims Claims
	if err := json.Unmarshal(payloadText, &claims); err != nil {
		return Decision{Reason: ErrMalformedToken}
	}

	exp, ok := claims.Exp()
	if !ok || exp < v.Now().Unix() {
		// Return the claims alongside the failure so callers can report
		// details such as the plan of an expired token.
		return Decision{Claims: claims, Reason: ErrTokenExpired}
	}

	return Decision{OK: true, Claims: claims}
}
