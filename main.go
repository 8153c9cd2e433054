package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/nimbusforge/bundleup/internal/cliopts"
	"github.com/nimbusforge/bundleup/internal/driver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command().Run(ctx, os.Args); err != nil {
		reportAndExit(err)
	}
}

func command() *cli.Command {
	var opts cliopts.Options
	return &cli.Command{
		Name:  "bundleup",
		Usage: "Package and upload a deployment payload as a sealed bundle",
		Flags: flags(&opts),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if opts.Verbose {
				log.SetLevel(log.DebugLevel)
			}
			_, err := driver.Run(ctx, &opts)
			return err
		},
	}
}

func flags(opts *cliopts.Options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "jwt",
			Aliases:     []string{"j"},
			Category:    "Token:",
			Destination: &opts.JWT,
			Usage:       "Bearer token, or a path to a file containing one (required unless --skip-key)",
		},
		&cli.StringFlag{
			Name:        "uuid",
			Category:    "Token:",
			Destination: &opts.UUID,
			Usage:       "Project identity override for x-uuid-project",
		},
		&cli.StringFlag{
			Name:        "adg",
			Category:    "Payload:",
			Destination: &opts.ADG,
			Usage:       "Directory of ADG files to package (mutually exclusive with --deployment-events)",
		},
		&cli.StringFlag{
			Name:        "deployment-events",
			Category:    "Payload:",
			Destination: &opts.DeploymentEvents,
			Usage:       "Single deployment-events JSON file to package (mutually exclusive with --adg)",
		},
		&cli.BoolFlag{
			Name:        "encrypt-only",
			Aliases:     []string{"e"},
			Category:    "Mode:",
			Destination: &opts.EncryptOnly,
			Usage:       "Build the bundle locally and skip the upload",
		},
		&cli.BoolFlag{
			Name:        "skip-key",
			Category:    "Mode:",
			Destination: &opts.SkipKey,
			Usage:       "Produce a cleartext bundle; project id defaults to plaintext_upload",
		},
		&cli.StringFlag{
			Name:        "comment-no-sensitive-info",
			Category:    "Bundle:",
			Destination: &opts.Comment,
			Usage:       "Free-text comment stored in the bundle (do not include sensitive information)",
		},
		&cli.StringFlag{
			Name:        "output",
			Category:    "Bundle:",
			Destination: &opts.Output,
			Usage:       "Artifact destination directory; defaults to the OS temp directory",
		},
		&cli.IntFlag{
			Name:        "bundle-format-version",
			Category:    "Bundle:",
			Destination: &opts.BundleFormatVersion,
			Value:       2,
			Usage:       "Bundle format version (1 or 2); 2 gzips the tar container",
		},
		&cli.StringFlag{
			Name:        "extra-args",
			Category:    "Bundle:",
			Destination: &opts.ExtraArgs,
			Usage:       "Comma-separated key=value overrides for any of the above flags",
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Category:    "Logging:",
			Destination: &opts.Verbose,
			Usage:       "Log the full cause chain on failure in addition to the one-line error",
		},
	}
}

// reportAndExit converts any failure to exit code 1, per spec: a one-line
// error log always, the full wrapped cause chain only at debug verbosity.
func reportAndExit(err error) {
	if log.GetLevel() <= log.DebugLevel {
		for cause := err; cause != nil; cause = errors.Unwrap(cause) {
			log.Debug("cause", "err", cause)
		}
	}
	log.Error(err)
	os.Exit(1)
}
