// Package cliopts holds the flat, already-resolved set of operator-supplied
// values the driver needs, assembled once by the CLI command's Action and
// threaded through explicitly from there. This plays the same role as the
// teacher's internal/config.Config — a plain struct populated from flags,
// never read back out of globals — scaled down to this tool's much smaller
// surface.
package cliopts

import (
	"strings"

	"github.com/nimbusforge/bundleup/internal/ferror"
)

const (
	MIMEADG              = "application/vnd.cc.bigtent"
	MIMEDeploymentEvents = "application/vnd.info.deployevent"
)

// Options mirrors the flag surface of the bundleup command one-to-one.
type Options struct {
	JWT                 string
	UUID                string
	ADG                 string
	DeploymentEvents    string
	EncryptOnly         bool
	SkipKey             bool
	Comment             string
	Output              string
	BundleFormatVersion int
	ExtraArgs           string
	Verbose             bool
}

// PayloadPath returns the single filesystem path to package and the MIME
// token that names it, enforcing that exactly one of --adg/--deployment-events
// was given.
func (o *Options) PayloadPath() (path, mime string, err error) {
	switch {
	case o.ADG != "" && o.DeploymentEvents != "":
		return "", "", &ferror.BadInputError{Reason: "--adg and --deployment-events are mutually exclusive"}
	case o.ADG != "":
		return o.ADG, MIMEADG, nil
	case o.DeploymentEvents != "":
		return o.DeploymentEvents, MIMEDeploymentEvents, nil
	default:
		return "", "", &ferror.BadInputError{Reason: "one of --adg or --deployment-events is required"}
	}
}

// Validate enforces the flag-level invariants §7's BadInput kind covers
// before any claim resolution or I/O is attempted.
func (o *Options) Validate() error {
	if o.JWT == "" && !o.SkipKey {
		return &ferror.BadInputError{Reason: "--jwt is required unless --skip-key is set"}
	}
	if o.BundleFormatVersion != 0 && o.BundleFormatVersion != 1 && o.BundleFormatVersion != 2 {
		return &ferror.BadInputError{Reason: "--bundle-format-version must be 1 or 2"}
	}
	return nil
}

// ApplyExtraArgs parses a comma-separated "k=v,k=v,..." string and overlays
// the named values onto o, using the same flag names as the command line
// (without leading dashes). Unknown keys are rejected as BadInput rather
// than silently ignored, since a typo'd extra-arg would otherwise silently
// fail to take effect.
func ApplyExtraArgs(o *Options, extra string) error {
	if extra == "" {
		return nil
	}
	for _, tok := range strings.Split(extra, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "jwt":
			o.JWT = value
		case "uuid":
			o.UUID = value
		case "adg":
			o.ADG = value
		case "deployment-events":
			o.DeploymentEvents = value
		case "encrypt-only":
			o.EncryptOnly = !hasValue || value == "" || value == "true"
		case "skip-key":
			o.SkipKey = !hasValue || value == "" || value == "true"
		case "comment-no-sensitive-info":
			o.Comment = value
		case "output":
			o.Output = value
		case "bundle-format-version":
			switch value {
			case "1":
				o.BundleFormatVersion = 1
			case "2":
				o.BundleFormatVersion = 2
			default:
				return &ferror.BadInputError{Reason: "extra-args bundle-format-version must be 1 or 2"}
			}
		default:
			return &ferror.BadInputError{Reason: "unknown extra-args key " + key}
		}
	}
	return nil
}
