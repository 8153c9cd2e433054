// Package upload drives the three-phase init → parallel PUT parts →
// complete multipart upload protocol against an ingestion server. Bounded
// concurrency and first-error propagation use golang.org/x/sync's errgroup
// and semaphore, replacing the kind of hand-rolled WaitGroup-plus-error-
// channel coordination the teacher's multipart-adjacent packages use
// (resumer) with the idiomatic modern equivalent already in the dependency
// closure. Retries run through go-retryablehttp (retry.go); progress
// accounting uses sync/atomic directly (progress.go).
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nimbusforge/bundleup/internal/cryptoutil"
	"github.com/nimbusforge/bundleup/internal/ferror"
)

const (
	maxConcurrentParts = 4
	connectTimeout     = 30 * time.Second
	readTimeout        = 5 * time.Minute
	writeTimeout       = 10 * time.Minute
)

// Request is everything the engine needs to drive one upload.
type Request struct {
	BaseURL      string
	BearerToken  string
	ArtifactPath string
	PublicKeyPEM string // required iff Challenge is non-empty
	Challenge    string // "" means no liveness challenge to return
	Filename     string // optional, sent to /init
}

// Run executes init, the parallel part PUTs, and complete, returning the
// server's completion response.
func Run(ctx context.Context, req Request) (*CompleteResponse, error) {
	if req.Challenge != "" && req.PublicKeyPEM == "" {
		return nil, &ferror.BadInputError{Reason: "challenge present without a public key to wrap it"}
	}

	baseURL := normalizeBaseURL(req.BaseURL)

	size, sha, err := hashArtifact(req.ArtifactPath)
	if err != nil {
		return nil, err
	}

	client := newRetryClient(connectTimeout, readTimeout)

	initResp, err := doInit(ctx, client, baseURL, req, size, sha)
	if err != nil {
		return nil, err
	}

	prog := newProgress(size)
	etags, err := uploadParts(ctx, client, req.ArtifactPath, initResp.Parts, prog)
	if err != nil {
		return nil, err
	}

	completeResp, err := doComplete(ctx, client, baseURL, req.BearerToken, initResp, sha, etags)
	if err != nil {
		return nil, err
	}
	return completeResp, nil
}

func normalizeBaseURL(base string) string {
	return strings.TrimRight(base, "/")
}

func hashArtifact(path string) (size int64, sha256Hex string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", &ferror.IOFailError{Reason: fmt.Sprintf("opening artifact %q", path), Cause: err}
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", &ferror.IOFailError{Reason: "hashing artifact", Cause: err}
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func doInit(ctx context.Context, client *retryablehttp.Client, baseURL string, req Request, size int64, sha256Hex string) (*initResponse, error) {
	body := initRequest{
		SHA256:    sha256Hex,
		SizeBytes: size,
		Filename:  req.Filename,
	}
	if req.Challenge != "" {
		wrapped, err := cryptoutil.RSAOAEPWrapPEM(req.PublicKeyPEM, []byte(req.Challenge))
		if err != nil {
			return nil, err
		}
		body.EncryptedChallenge = base64.StdEncoding.EncodeToString(wrapped)
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, &ferror.IOFailError{Reason: "marshaling init request", Cause: err}
	}

	resp, err := doJSONRequest(ctx, client, http.MethodPost, baseURL+"/init", req.BearerToken, bodyJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out initResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ferror.ProtocolError{Reason: "init response is not valid JSON"}
	}

	var missing []string
	if out.UploadID == "" {
		missing = append(missing, "uploadId")
	}
	if out.BlobKey == "" {
		missing = append(missing, "blobKey")
	}
	if out.BundleID == "" {
		missing = append(missing, "bundleId")
	}
	if len(out.Parts) == 0 {
		missing = append(missing, "parts")
	}
	if len(missing) > 0 {
		return nil, &ferror.ProtocolError{Reason: fmt.Sprintf("init response missing fields: %s", strings.Join(missing, ", "))}
	}

	return &out, nil
}

func uploadParts(ctx context.Context, client *retryablehttp.Client, artifactPath string, parts []partSpec, prog *progress) ([]partResult, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, &ferror.IOFailError{Reason: fmt.Sprintf("opening artifact %q for part upload", artifactPath), Cause: err}
	}
	defer f.Close()

	sem := semaphore.NewWeighted(int64(min(maxConcurrentParts, len(parts))))
	g, gctx := errgroup.WithContext(ctx)

	results := make([]partResult, len(parts))
	for i, part := range parts {
		i, part := i, part
		if err := sem.Acquire(gctx, 1); err != nil {
			if waitErr := g.Wait(); waitErr != nil {
				return nil, waitErr
			}
			return nil, &ferror.CancelledError{Cause: err}
		}
		g.Go(func() error {
			defer sem.Release(1)
			etag, err := uploadPart(gctx, client, f, part, prog)
			if err != nil {
				return err
			}
			results[i] = partResult{PartNumber: part.PartNumber, ETag: etag}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].PartNumber < results[j].PartNumber })
	return results, nil
}

func uploadPart(ctx context.Context, client *retryablehttp.Client, f *os.File, part partSpec, prog *progress) (string, error) {
	bodyFn := retryablehttp.ReaderFunc(partBody(f, part.Offset, part.Size, prog))

	httpReq, err := retryablehttp.NewRequest(http.MethodPut, part.PresignedURL, bodyFn)
	if err != nil {
		return "", &ferror.IOFailError{Reason: "building part PUT request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.ContentLength = part.Size
	httpReq = httpReq.WithContext(ctx)

	resp, err := client.Do(httpReq)
	if resp == nil {
		if ctx.Err() != nil {
			return "", &ferror.CancelledError{Cause: ctx.Err()}
		}
		return "", &ferror.NetworkError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := readAllAndClose(resp)
		return "", classifyHTTPFailure(resp.StatusCode, bodyBytes)
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", &ferror.ProtocolError{Reason: fmt.Sprintf("part %d: no ETag header in response", part.PartNumber)}
	}
	return etag, nil
}

// partBody returns a retryablehttp body-generator for one part: each call
// produces a fresh section reader over [offset, offset+size) wrapped to
// feed the shared progress counter, and rolls back whatever the previous
// attempt (if any) had already contributed before handing out the new one.
// go-retryablehttp calls this once per attempt, including retries, which is
// where the spec's "reset hook invoked before the retry" lands.
func partBody(f *os.File, offset, size int64, prog *progress) func() (io.Reader, error) {
	var prev *countingReader
	return func() (io.Reader, error) {
		if prev != nil {
			prev.resetContribution()
		}
		sr := io.NewSectionReader(f, offset, size)
		cr := &countingReader{r: sr, p: prog}
		prev = cr
		return cr, nil
	}
}

func doComplete(ctx context.Context, client *retryablehttp.Client, baseURL, bearerToken string, init *initResponse, sha256Hex string, parts []partResult) (*CompleteResponse, error) {
	sorted := make([]partResult, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	body := completeRequest{
		UploadID: init.UploadID,
		BlobKey:  init.BlobKey,
		SHA256:   sha256Hex,
		Parts:    sorted,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, &ferror.IOFailError{Reason: "marshaling complete request", Cause: err}
	}

	resp, err := doJSONRequest(ctx, client, http.MethodPost, baseURL+"/complete", bearerToken, bodyJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out CompleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ferror.ProtocolError{Reason: "complete response is not valid JSON"}
	}
	log.Info("upload complete", "bundleId", out.BundleID, "status", out.Status)
	return &out, nil
}

// doJSONRequest performs one JSON request through the retry harness and
// returns the response with a 2xx status, or a terminal/exhausted error.
// bearerToken, when non-empty, is sent as an Authorization header; init and
// complete both require it.
func doJSONRequest(ctx context.Context, client *retryablehttp.Client, method, url, bearerToken string, body []byte) (*http.Response, error) {
	httpReq, err := retryablehttp.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ferror.IOFailError{Reason: "building request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx2)

	resp, err := client.Do(httpReq)
	if resp == nil {
		if ctx.Err() != nil {
			return nil, &ferror.CancelledError{Cause: ctx.Err()}
		}
		return nil, &ferror.NetworkError{Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := readAllAndClose(resp)
		return nil, classifyHTTPFailure(resp.StatusCode, bodyBytes)
	}
	return resp, nil
}

// classifyHTTPFailure turns a non-2xx response into the appropriate error
// kind: 4xx is always terminal; a 5xx reaching here means the retry budget
// for that request was already exhausted by the harness.
func classifyHTTPFailure(status int, body []byte) error {
	return &ferror.ServerError{Status: status, Body: string(body)}
}
