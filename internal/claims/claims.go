// Package claims resolves the effective upload parameters — public key,
// destination server, project identity, liveness challenge, expiry — from a
// bearer token's unverified payload segment, merged with operator overrides.
// The decode-then-resolve shape follows the teacher's
// security.TokenResolver, stripped of OIDC discovery and signature
// verification: this tool only decodes the token's middle segment, it never
// checks who signed it.
package claims

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/nimbusforge/bundleup/internal/ferror"
)

// Claims is the immutable, already-parsed payload of a bearer token.
type Claims struct {
	raw   map[string]any
	token string
}

// Raw exposes the full decoded claims map for callers that need a claim
// beyond the five this package names explicitly.
func (c *Claims) Raw() map[string]any { return c.raw }

// Token returns the raw bearer token text (never the path it may have been
// read from), for callers that must forward it as an Authorization header.
func (c *Claims) Token() string { return c.token }

// StringClaim returns the named claim's value and true iff present and a
// JSON string.
func (c *Claims) StringClaim(name string) (string, bool) {
	v, ok := c.raw[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// LongClaim returns the named claim's value iff present and numeric, else
// -1.
func (c *Claims) LongClaim(name string) int64 {
	v, ok := c.raw[name]
	if !ok {
		return -1
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return -1
		}
		return i
	default:
		return -1
	}
}

// ResolveToken reads the token. If arg names an existing regular file, its
// UTF-8 contents (ASCII-whitespace trimmed) are the token; otherwise arg
// itself is the token. The token's payload is decoded eagerly so that a
// malformed token is reported as InvalidToken at resolution time, not on
// first claim access.
func ResolveToken(arg string) (*Claims, error) {
	token := arg
	if info, statErr := os.Stat(arg); statErr == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, &ferror.InvalidTokenError{Reason: "reading token file", Cause: err}
		}
		token = strings.Trim(string(data), " \t\r\n\v\f")
	}
	c, err := decodePayload(token)
	if err != nil {
		return nil, err
	}
	c.token = token
	return c, nil
}

// decodePayload splits token on '.', requires at least two segments,
// base64url-decodes (padding tolerant) the second, and parses it as a JSON
// object.
func decodePayload(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, &ferror.InvalidTokenError{Reason: "token has fewer than 2 segments"}
	}
	decoded, err := decodeBase64URLAny(parts[1])
	if err != nil {
		return nil, &ferror.InvalidTokenError{Reason: "base64url-decoding payload segment", Cause: err}
	}
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(string(decoded)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, &ferror.InvalidTokenError{Reason: "parsing payload as JSON object", Cause: err}
	}
	return &Claims{raw: obj}, nil
}

func decodeBase64URLAny(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// Overrides captures operator-supplied values that participate in claim
// resolution alongside the token.
type Overrides struct {
	UUID        string
	SkipKey     bool
	EncryptOnly bool
}

// Resolved is the set of effective values the driver needs, after merging
// claims with operator overrides and validating expiry.
type Resolved struct {
	PublicKeyPEM string // empty when SkipKey
	Server       string // empty when EncryptOnly
	UUID         string // "" means "no project identity available"
	Challenge    string // "" means absent
}

// Resolve applies spec's resolve_public_key / resolve_server / resolve_uuid
// / resolve_challenge / not_expired policy in one pass, returning the first
// error encountered.
func Resolve(c *Claims, o Overrides) (*Resolved, error) {
	var r Resolved

	if !o.SkipKey {
		pk, ok := c.StringClaim("x-public-key")
		if !ok {
			return nil, &ferror.MissingClaimError{Claim: "x-public-key"}
		}
		r.PublicKeyPEM = pk
	}

	if !o.EncryptOnly {
		server, ok := c.StringClaim("x-upload-server")
		if !ok {
			return nil, &ferror.MissingClaimError{Claim: "x-upload-server"}
		}
		r.Server = server

		if err := checkNotExpired(c); err != nil {
			return nil, err
		}
	}

	if !o.SkipKey {
		if uuid, ok := c.StringClaim("x-uuid-project"); ok {
			r.UUID = uuid
		} else if o.UUID != "" {
			r.UUID = o.UUID
		} else {
			return nil, &ferror.MissingClaimError{Claim: "x-uuid-project"}
		}
	}

	if challenge, ok := c.StringClaim("x-challenge"); ok {
		r.Challenge = challenge
	}

	return &r, nil
}

func checkNotExpired(c *Claims) error {
	v, ok := c.raw["exp"]
	if !ok {
		return &ferror.ExpInvalidError{Reason: "exp claim missing"}
	}
	var exp int64
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return &ferror.ExpInvalidError{Reason: "exp claim is not an integer"}
		}
		exp = i
	case float64:
		exp = int64(n)
	default:
		return &ferror.ExpInvalidError{Reason: "exp claim is not numeric"}
	}
	if exp <= 0 {
		return &ferror.ExpInvalidError{Reason: "exp claim is not positive"}
	}
	if exp <= time.Now().Unix() {
		return &ferror.ExpInvalidError{Reason: "exp claim is not strictly in the future"}
	}
	return nil
}
