package claims_test

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/bundleup/internal/claims"
	"github.com/nimbusforge/bundleup/internal/ferror"
)

func makeToken(t *testing.T, payload map[string]any) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	middle := base64.RawURLEncoding.EncodeToString(body)
	return "header." + middle + ".signature"
}

func TestResolveTokenFromLiteralString(t *testing.T) {
	token := makeToken(t, map[string]any{"x-uuid-project": "proj-1"})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)
	v, ok := c.StringClaim("x-uuid-project")
	require.True(t, ok)
	require.Equal(t, "proj-1", v)
}

func TestResolveTokenFromFilePathTrimsWhitespace(t *testing.T) {
	token := makeToken(t, map[string]any{"x-uuid-project": "proj-2"})
	dir := t.TempDir()
	path := filepath.Join(dir, "token.txt")
	require.NoError(t, os.WriteFile(path, []byte("  "+token+"\n\n"), 0o644))

	c, err := claims.ResolveToken(path)
	require.NoError(t, err)
	v, ok := c.StringClaim("x-uuid-project")
	require.True(t, ok)
	require.Equal(t, "proj-2", v)
}

func TestResolveTokenRejectsFewerThanTwoSegments(t *testing.T) {
	_, err := claims.ResolveToken("onlyonesegment")
	require.Error(t, err)
	var invalidTok *ferror.InvalidTokenError
	require.ErrorAs(t, err, &invalidTok)
}

func TestResolveTokenRejectsBadBase64(t *testing.T) {
	_, err := claims.ResolveToken("header.!!!not-base64!!!.sig")
	require.Error(t, err)
	var invalidTok *ferror.InvalidTokenError
	require.ErrorAs(t, err, &invalidTok)
}

func TestResolveTokenRejectsNonObjectPayload(t *testing.T) {
	middle := base64.RawURLEncoding.EncodeToString([]byte(`["not", "an", "object"]`))
	_, err := claims.ResolveToken("h." + middle + ".s")
	require.Error(t, err)
	var invalidTok *ferror.InvalidTokenError
	require.ErrorAs(t, err, &invalidTok)
}

func TestLongClaimDefaultsToMinusOne(t *testing.T) {
	token := makeToken(t, map[string]any{"exp": "not-a-number"})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)
	require.EqualValues(t, -1, c.LongClaim("missing"))
	require.EqualValues(t, -1, c.LongClaim("exp"))
}

func TestResolveHappyPathUploadMode(t *testing.T) {
	now := time.Now().Unix()
	token := makeToken(t, map[string]any{
		"x-public-key":    "PEMDATA",
		"x-upload-server": "https://example.test",
		"x-uuid-project":  "proj-3",
		"x-challenge":     "nonce",
		"exp":             now + 3600,
	})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)

	r, err := claims.Resolve(c, claims.Overrides{})
	require.NoError(t, err)
	require.Equal(t, "PEMDATA", r.PublicKeyPEM)
	require.Equal(t, "https://example.test", r.Server)
	require.Equal(t, "proj-3", r.UUID)
	require.Equal(t, "nonce", r.Challenge)
}

func TestResolveMissingPublicKey(t *testing.T) {
	token := makeToken(t, map[string]any{"x-upload-server": "https://example.test", "exp": time.Now().Unix() + 60})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)

	_, err = claims.Resolve(c, claims.Overrides{})
	require.Error(t, err)
	var missing *ferror.MissingClaimError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "x-public-key", missing.Claim)
}

func TestResolveSkipKeyOmitsKeyAndUUIDRequirement(t *testing.T) {
	token := makeToken(t, map[string]any{})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)

	r, err := claims.Resolve(c, claims.Overrides{SkipKey: true, EncryptOnly: true})
	require.NoError(t, err)
	require.Empty(t, r.PublicKeyPEM)
	require.Empty(t, r.UUID)
}

func TestResolveUUIDFallsBackToOverride(t *testing.T) {
	token := makeToken(t, map[string]any{"x-public-key": "PEM"})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)

	r, err := claims.Resolve(c, claims.Overrides{EncryptOnly: true, UUID: "operator-supplied"})
	require.NoError(t, err)
	require.Equal(t, "operator-supplied", r.UUID)
}

func TestResolveUUIDMissingEverywhereIsMissingClaim(t *testing.T) {
	token := makeToken(t, map[string]any{"x-public-key": "PEM"})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)

	_, err = claims.Resolve(c, claims.Overrides{EncryptOnly: true})
	require.Error(t, err)
	var missing *ferror.MissingClaimError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "x-uuid-project", missing.Claim)
}

func TestResolveExpBoundaries(t *testing.T) {
	now := time.Now().Unix()
	cases := []struct {
		name    string
		exp     any
		wantErr bool
	}{
		{"missing", nil, true},
		{"zero", 0, true},
		{"negative", -5, true},
		{"equalToNow", now, true},
		{"oneSecondFuture", now + 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := map[string]any{
				"x-public-key":    "PEM",
				"x-upload-server": "https://example.test",
				"x-uuid-project":  "p",
			}
			if tc.exp != nil {
				payload["exp"] = tc.exp
			}
			token := makeToken(t, payload)
			c, err := claims.ResolveToken(token)
			require.NoError(t, err)

			_, err = claims.Resolve(c, claims.Overrides{})
			if tc.wantErr {
				require.Error(t, err)
				var expErr *ferror.ExpInvalidError
				require.ErrorAs(t, err, &expErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestResolveEncryptOnlySkipsServerAndExpChecks(t *testing.T) {
	token := makeToken(t, map[string]any{"x-public-key": "PEM", "x-uuid-project": "p"})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)

	r, err := claims.Resolve(c, claims.Overrides{EncryptOnly: true})
	require.NoError(t, err)
	require.Empty(t, r.Server)
}

func TestRawExposesUnnamedClaims(t *testing.T) {
	token := makeToken(t, map[string]any{"some-other-claim": "value"})
	c, err := claims.ResolveToken(token)
	require.NoError(t, err)
	require.Equal(t, "value", c.Raw()["some-other-claim"])
}
