// Package bundle assembles the sealed ZIP-style artifact the upload engine
// transmits: metadata entries, an RSA-wrapped AES key and known-answer probe
// when a public key is supplied, and the AES-GCM-encrypted (or raw, if no
// key) payload as the final entry. Artifact placement reuses the teacher's
// tempfiles.Create (directory-scoped os.CreateTemp); sealing reuses
// cryptoutil's buffer-then-Seal writer, grounded on the teacher's dek
// provider.
package bundle

import (
	"archive/zip"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nimbusforge/bundleup/internal/cryptoutil"
	"github.com/nimbusforge/bundleup/internal/ferror"
	"github.com/nimbusforge/bundleup/internal/payload"
	"github.com/nimbusforge/bundleup/internal/tempfiles"
)

// toolSubdir is the subdirectory created under either the operator-supplied
// output directory or the process temp directory, matching the teacher's
// convention of namespacing its own temp files (internal/tempfiles call
// sites all pass a package-specific pattern).
const toolSubdir = "bundleup"

const noKeyUUIDPlaceholder = "plaintext_upload"

const testPlaintextSize = 128

// Input is everything the builder needs to produce one artifact.
type Input struct {
	UUID         string // "" means no project identity available
	PublicKeyPEM string // "" means produce a cleartext bundle
	Payload      *payload.Stream
	MIME         string
	Comment      string // "" means omit comment.txt
	OutputDir    string // "" means use the process temp directory
	Version      int    // 1 or 2
}

// Build executes the algorithm of §4.3: choose an output path, open a ZIP
// writer, write metadata entries in order, optionally wrap an AES key and
// write the known-answer probe, then stream the payload (encrypted or raw)
// into the final entry. On any failure the partial artifact is deleted
// before the error is returned.
func Build(in Input) (artifactPath string, err error) {
	if in.Payload == nil {
		return "", &ferror.BadInputError{Reason: "payload stream is nil"}
	}

	dir, err := resolveOutputDir(in.OutputDir)
	if err != nil {
		return "", err
	}

	uuidOrPlaceholder := in.UUID
	if uuidOrPlaceholder == "" {
		uuidOrPlaceholder = noKeyUUIDPlaceholder
	}
	filename := fmt.Sprintf("%s-%d.zip", uuidOrPlaceholder, time.Now().UnixMilli())
	artifactPath = filepath.Join(dir, filename)

	// The final filename is deterministic (spec I5), but tempfiles.Create's
	// MkdirAll-then-CreateTemp is still the right way to get a safely-opened
	// handle in a directory that may not exist yet; write under a
	// scratch name and rename into place only once the artifact is
	// complete, so a build failure never leaves a half-written file at
	// the deterministic path.
	f, err := tempfiles.Create(dir, "bundleup-*.zip.tmp")
	if err != nil {
		return "", &ferror.IOFailError{Reason: "creating scratch artifact file", Cause: err}
	}
	scratchPath := f.Name()

	if buildErr := build(f, in, uuidOrPlaceholder); buildErr != nil {
		f.Close()
		os.Remove(scratchPath)
		return "", buildErr
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(scratchPath)
		return "", &ferror.IOFailError{Reason: "fsyncing artifact", Cause: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(scratchPath)
		return "", &ferror.IOFailError{Reason: "closing artifact", Cause: err}
	}
	if err := os.Rename(scratchPath, artifactPath); err != nil {
		os.Remove(scratchPath)
		return "", &ferror.IOFailError{Reason: "renaming artifact into place", Cause: err}
	}

	return artifactPath, nil
}

func resolveOutputDir(operatorDir string) (string, error) {
	base := operatorDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, toolSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ferror.IOFailError{Reason: fmt.Sprintf("creating output directory %q", dir), Cause: err}
	}
	return dir, nil
}

func build(f *os.File, in Input, uuidOrPlaceholder string) (err error) {
	zw := zip.NewWriter(f)
	defer func() {
		if closeErr := zw.Close(); err == nil && closeErr != nil {
			err = &ferror.IOFailError{Reason: "closing zip writer", Cause: closeErr}
		}
	}()

	if err := writeTextEntry(zw, "uuid.txt", uuidOrPlaceholder); err != nil {
		return err
	}
	if err := writeTextEntry(zw, "bundle_date.txt", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := writeTextEntry(zw, "payload_container_type.txt", string(in.Payload.Container)); err != nil {
		return err
	}
	if in.Comment != "" {
		if err := writeTextEntry(zw, "comment.txt", in.Comment); err != nil {
			return err
		}
	}
	version := in.Version
	if version == 0 {
		version = 2
	}
	if err := writeTextEntry(zw, "bundle_format_version.txt", fmt.Sprintf("%d", version)); err != nil {
		return err
	}

	var aesKey, payloadIV []byte
	hasKey := in.PublicKeyPEM != ""
	if hasKey {
		var err error
		aesKey, payloadIV, err = writeKeyMaterial(zw, in.PublicKeyPEM)
		if err != nil {
			return err
		}
	}

	if err := writeTextEntry(zw, "mime.txt", in.MIME); err != nil {
		return err
	}

	return writePayloadEntry(zw, in.Payload, aesKey, payloadIV, hasKey)
}

// writeKeyMaterial performs step 4 of the algorithm: generate and RSA-wrap
// the AES key (key.txt), copy the PEM (pubkey.pem), seal a known-answer
// probe (test.txt), and generate the payload IV (iv.txt). It returns the
// AES key and payload IV for use by writePayloadEntry.
func writeKeyMaterial(zw *zip.Writer, pemText string) (aesKey, payloadIV []byte, err error) {
	aesKey, err = cryptoutil.GenerateAESKey()
	if err != nil {
		return nil, nil, err
	}
	wrapped, err := cryptoutil.RSAOAEPWrapPEM(pemText, aesKey)
	if err != nil {
		return nil, nil, err
	}
	if err := writeTextEntry(zw, "key.txt", base64.StdEncoding.EncodeToString(wrapped)); err != nil {
		return nil, nil, err
	}

	if err := writeTextEntry(zw, "pubkey.pem", pemText); err != nil {
		return nil, nil, err
	}

	testIV, err := cryptoutil.GenerateIV()
	if err != nil {
		return nil, nil, err
	}
	testPlaintext, err := cryptoutil.RandomBytes(testPlaintextSize)
	if err != nil {
		return nil, nil, err
	}
	testCiphertext, err := cryptoutil.SealInMemory(aesKey, testIV, testPlaintext)
	if err != nil {
		return nil, nil, err
	}
	testEntry := fmt.Sprintf("%s\n%s\n%s",
		base64.StdEncoding.EncodeToString(testIV),
		base64.StdEncoding.EncodeToString(testPlaintext),
		base64.StdEncoding.EncodeToString(testCiphertext),
	)
	if err := writeTextEntry(zw, "test.txt", testEntry); err != nil {
		return nil, nil, err
	}

	payloadIV, err = cryptoutil.GenerateIV()
	if err != nil {
		return nil, nil, err
	}
	if err := writeTextEntry(zw, "iv.txt", base64.StdEncoding.EncodeToString(payloadIV)); err != nil {
		return nil, nil, err
	}

	return aesKey, payloadIV, nil
}

func writePayloadEntry(zw *zip.Writer, stream *payload.Stream, aesKey, payloadIV []byte, hasKey bool) error {
	w, err := zw.Create("payload.enc")
	if err != nil {
		return &ferror.IOFailError{Reason: "creating payload.enc entry", Cause: err}
	}

	if !hasKey {
		if _, err := io.CopyBuffer(w, stream, make([]byte, 4096)); err != nil {
			return &ferror.IOFailError{Reason: "copying raw payload", Cause: err}
		}
		return nil
	}

	enc := cryptoutil.EncryptWriter(w, aesKey, payloadIV)
	buf := make([]byte, 4096)
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := enc.Write(buf[:n]); writeErr != nil {
				return &ferror.IOFailError{Reason: "encrypting payload chunk", Cause: writeErr}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &ferror.IOFailError{Reason: "reading payload stream", Cause: readErr}
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return nil
}

func writeTextEntry(zw *zip.Writer, name, contents string) error {
	w, err := zw.Create(name)
	if err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("creating %s entry", name), Cause: err}
	}
	if _, err := io.WriteString(w, contents); err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("writing %s entry", name), Cause: err}
	}
	return nil
}
