// Package driver wires the CLI's resolved options through claim resolution,
// bundle assembly, and the upload engine — the single place that knows the
// order those components run in. Kept separate from the root main.go so the
// sequence is unit-testable without going through urfave/cli's Action
// plumbing, matching the teacher's split between internal/cmd/serve's thin
// Action and the service-construction logic it calls into.
package driver

import (
	"context"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nimbusforge/bundleup/internal/bundle"
	"github.com/nimbusforge/bundleup/internal/claims"
	"github.com/nimbusforge/bundleup/internal/cliopts"
	"github.com/nimbusforge/bundleup/internal/ferror"
	"github.com/nimbusforge/bundleup/internal/payload"
	"github.com/nimbusforge/bundleup/internal/upload"
)

// Result is what Run produces, for a CLI Action (or a test) to report.
type Result struct {
	ArtifactPath string
	Uploaded     bool
	BundleID     string
}

// Run executes one full invocation: validate flags, resolve claims, build
// the artifact, and — unless --encrypt-only — upload it.
func Run(ctx context.Context, opts *cliopts.Options) (*Result, error) {
	if err := cliopts.ApplyExtraArgs(opts, opts.ExtraArgs); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	log.Info("bundleup starting", "correlationId", correlationID)

	path, mime, err := opts.PayloadPath()
	if err != nil {
		return nil, err
	}

	version := opts.BundleFormatVersion
	if version == 0 {
		version = 2
	}

	var resolved *claims.Resolved
	var token string
	if opts.JWT != "" {
		tok, err := claims.ResolveToken(opts.JWT)
		if err != nil {
			return nil, err
		}
		token = tok.Token()
		resolved, err = claims.Resolve(tok, claims.Overrides{
			UUID:        opts.UUID,
			SkipKey:     opts.SkipKey,
			EncryptOnly: opts.EncryptOnly,
		})
		if err != nil {
			return nil, err
		}
	} else {
		if !opts.EncryptOnly {
			return nil, &ferror.BadInputError{Reason: "uploading requires --jwt; omitting it is only valid together with --encrypt-only"}
		}
		resolved = &claims.Resolved{UUID: opts.UUID}
	}

	if resolved.Challenge != "" && resolved.PublicKeyPEM == "" {
		return nil, &ferror.BadInputError{Reason: "challenge present without a public key to wrap it"}
	}

	stream, err := payload.Open(path, version)
	if err != nil {
		return nil, err
	}

	artifact, buildErr := bundle.Build(bundle.Input{
		UUID:         resolved.UUID,
		PublicKeyPEM: resolved.PublicKeyPEM,
		Payload:      stream,
		MIME:         mime,
		Comment:      opts.Comment,
		OutputDir:    opts.Output,
		Version:      version,
	})
	closeErr := stream.Close()
	if buildErr != nil {
		return nil, buildErr
	}
	if closeErr != nil {
		return nil, closeErr
	}

	log.Info("bundle built", "path", artifact, "correlationId", correlationID)

	if opts.EncryptOnly {
		return &Result{ArtifactPath: artifact}, nil
	}

	resp, err := upload.Run(ctx, upload.Request{
		BaseURL:      resolved.Server,
		BearerToken:  token,
		ArtifactPath: artifact,
		PublicKeyPEM: resolved.PublicKeyPEM,
		Challenge:    resolved.Challenge,
		Filename:     filepath.Base(artifact),
	})
	if err != nil {
		return nil, err
	}

	log.Info("upload finished", "bundleId", resp.BundleID, "status", resp.Status, "correlationId", correlationID)
	return &Result{ArtifactPath: artifact, Uploaded: true, BundleID: resp.BundleID}, nil
}
