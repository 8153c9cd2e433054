// Package tempfiles gives the bundle builder a scratch file in the chosen
// output directory to assemble a ZIP artifact into before it is known to be
// complete. Lifted from the teacher's internal/tempfiles, trimmed to the one
// operation bundle.Build actually calls: the bundle's final name is
// deterministic ({uuid}-{millis}.zip per spec), so there is no caller here
// for a reader that deletes itself on close, unlike the teacher's attachment
// download path that streamed a one-shot temp file straight back out.
package tempfiles

import (
	"fmt"
	"os"
)

// Create makes a temp file in dir, creating dir first if it does not exist.
// The caller is responsible for renaming or removing the returned file.
func Create(dir string, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}
