// Package cryptoutil provides the AES-256-GCM and RSA-OAEP primitives the
// bundle builder seals artifacts with. The streaming encrypt writer follows
// the shape of the teacher service's dek provider (plugin/encrypt/dek/dek.go):
// AES-GCM has no incremental-tag API, so plaintext is buffered and the AEAD
// seal happens once, on Close.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"github.com/nimbusforge/bundleup/internal/ferror"
)

const (
	aesKeySize = 32
	gcmIVSize  = 12
)

// GenerateAESKey returns 32 random bytes suitable for use as an AES-256 key.
func GenerateAESKey() ([]byte, error) {
	return RandomBytes(aesKeySize)
}

// GenerateIV returns 12 random bytes suitable for use as an AES-GCM nonce.
// Callers must never reuse the same IV with the same key.
func GenerateIV() ([]byte, error) {
	return RandomBytes(gcmIVSize)
}

// RandomBytes returns n bytes read from a CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, &ferror.CryptoFailError{Reason: "reading random bytes", Cause: err}
	}
	return b, nil
}

// ParsePublicKeyPEM strips the BEGIN/END PUBLIC KEY armor and all whitespace
// from pemText, base64-decodes the remainder, and parses it as an SPKI public
// key. Only RSA keys are accepted; anything else is a BadKeyError.
func ParsePublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	der, err := stripPEMArmor(pemText)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, &ferror.BadKeyError{Reason: "parsing SPKI public key", Cause: err}
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, &ferror.BadKeyError{Reason: "public key is not RSA"}
	}
	return rsaPub, nil
}

// stripPEMArmor returns the DER bytes of pemText. It tries pem.Decode first;
// when that finds no block (for example armor and body run together on one
// line), it removes the "-----BEGIN PUBLIC KEY-----"/"-----END PUBLIC
// KEY-----" markers and all spaces, tabs and line breaks, then base64-decodes
// what remains, because the armor arrives in a token claim rather than from
// a trusted file.
func stripPEMArmor(pemText string) ([]byte, error) {
	if block, _ := pem.Decode([]byte(pemText)); block != nil {
		return block.Bytes, nil
	}
	s := pemText
	s = strings.ReplaceAll(s, "-----BEGIN PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "-----END PUBLIC KEY-----", "")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		default:
			return r
		}
	}, s)
	der, err := decodeBase64Any(s)
	if err != nil {
		return nil, &ferror.BadKeyError{Reason: "base64-decoding PEM body", Cause: err}
	}
	return der, nil
}

// RSAOAEPWrap encrypts data under pub with RSA-OAEP, using SHA-256 for both
// the hash and the MGF1 function, and an empty label.
func RSAOAEPWrap(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, &ferror.CryptoFailError{Reason: "RSA-OAEP wrap", Cause: err}
	}
	return out, nil
}

// RSAOAEPWrapPEM is a convenience combining ParsePublicKeyPEM and
// RSAOAEPWrap, matching spec's single rsa_oaep_wrap(pem, data) operation.
func RSAOAEPWrapPEM(pemText string, data []byte) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(pemText)
	if err != nil {
		return nil, err
	}
	return RSAOAEPWrap(pub, data)
}

// decodeBase64Any decodes s as standard base64, tolerating both the
// presence and absence of padding.
func decodeBase64Any(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("not valid base64")
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &ferror.CryptoFailError{Reason: "constructing AES cipher", Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &ferror.CryptoFailError{Reason: "constructing GCM", Cause: err}
	}
	return gcm, nil
}

// SealInMemory encrypts plaintext with AES-256-GCM under key and iv in one
// call, returning ciphertext with the 128-bit tag appended. Used for the
// known-answer test.txt entry, which is small and already fully resident.
func SealInMemory(key, iv, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// OpenInMemory decrypts ciphertext (with appended GCM tag) under key and iv.
// Exposed only so tests can round-trip a known-answer probe against an
// ephemeral keypair; the tool itself never decrypts.
func OpenInMemory(key, iv, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, &ferror.CryptoFailError{Reason: "AES-GCM open", Cause: err}
	}
	return plain, nil
}

// EncryptWriter returns a WriteCloser that buffers plaintext written to it
// and, on Close, seals the accumulated buffer in one AES-GCM Seal call
// (computing the 128-bit tag over the whole message) and writes the
// resulting ciphertext to dst. AES-GCM exposes no incremental tag
// computation, so buffering the plaintext is unavoidable; callers still read
// their source incrementally (the bounded pipe upstream of this writer
// provides that streaming), only the final Seal is a single call.
func EncryptWriter(dst io.Writer, key, iv []byte) io.WriteCloser {
	return &encryptWriter{dst: dst, key: key, iv: iv}
}

type encryptWriter struct {
	dst  io.Writer
	key  []byte
	iv   []byte
	buf  bytes.Buffer
	done bool
}

func (w *encryptWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *encryptWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	gcm, err := newGCM(w.key)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, w.iv, w.buf.Bytes(), nil)
	if _, err := w.dst.Write(ciphertext); err != nil {
		return &ferror.IOFailError{Reason: "writing sealed ciphertext", Cause: err}
	}
	return nil
}
