// Package payload presents a local filesystem path — a single file or a
// directory tree — as one readable byte stream for the bundle builder.
// Directories are streamed through a tar writer, optionally gzip-compressed,
// produced lazily on a dedicated worker goroutine writing into a bounded
// pipe. The layered tar-then-gzip writer chain and the pgzip choice follow
// the teacher pack's AMI bundler (aws_bundle/writer.go); the producer
// goroutine feeding an io.Pipe follows aws_bundle_glue/s3_sink.go, adapted
// from a write-side pipe (producer writes, uploader drains) to a read-side
// one: the producer here walks and archives into the pipe's write end while
// the bundle builder reads from the read end.
package payload

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	gzip "github.com/klauspost/pgzip"

	"github.com/nimbusforge/bundleup/internal/ferror"
)

// ContainerType names how the payload is packaged, used both for the
// bundle's payload_container_type.txt entry and for choosing whether to
// gzip.
type ContainerType string

const (
	ContainerFile   ContainerType = "file"
	ContainerTar    ContainerType = "tar"
	ContainerTarGz  ContainerType = "tar.gz"
	pipeBufferBytes               = 64 * 1024
)

// Stream is the lazily-produced byte stream handed to the bundle builder.
// For a single file it wraps the *os.File directly; for a directory it
// wraps the read end of a pipe fed by a background archiving goroutine.
type Stream struct {
	io.Reader
	closeFn func() error
	// IsArchive reports whether the stream is a tar/tar.gz archive (true)
	// or the raw bytes of a single file (false).
	IsArchive bool
	// Container is the exact container type written to
	// payload_container_type.txt.
	Container ContainerType
}

// Close waits for any background producer to finish and reports the first
// error encountered by either the producer or the consumer-side close.
func (s *Stream) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Open presents path as a Stream. If path is a regular file, the stream is
// the file's bytes verbatim and Container is "file". If path is a
// directory, the stream is a tar archive of every regular file beneath it
// (gzip-compressed when version is 2) produced on a background goroutine.
func Open(path string, version int) (*Stream, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ferror.IOFailError{Reason: fmt.Sprintf("stat %q", path), Cause: err}
	}
	if !info.IsDir() {
		return openFile(path)
	}
	return openDir(path, version)
}

func openFile(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ferror.IOFailError{Reason: fmt.Sprintf("open %q", path), Cause: err}
	}
	return &Stream{
		Reader:    f,
		closeFn:   f.Close,
		IsArchive: false,
		Container: ContainerFile,
	}, nil
}

func openDir(root string, version int) (*Stream, error) {
	container := ContainerTar
	gzipIt := false
	if version == 2 {
		container = ContainerTarGz
		gzipIt = true
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		errCh <- produceArchive(root, pw, gzipIt)
	}()

	closeFn := func() error {
		closeErr := pr.Close()
		producerErr := <-errCh
		if producerErr != nil {
			return producerErr
		}
		return closeErr
	}

	return &Stream{
		Reader:    pr,
		closeFn:   closeFn,
		IsArchive: true,
		Container: container,
	}, nil
}

// produceArchive walks root, writing every regular file beneath it into a
// tar stream (optionally gzip-wrapped) written to pw. Any error is reported
// both to the consumer (via pw.CloseWithError, which makes the next Read
// return it) and to the caller's return value, since a failure in the
// gzip/tar Close after the walk completes would otherwise be lost.
func produceArchive(root string, pw *io.PipeWriter, gzipIt bool) (err error) {
	defer func() {
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	// A bufio layer in front of the pipe gives the producer an actual
	// bounded buffer to fill before it blocks on the consumer, rather than
	// blocking on every individual tar/gzip write.
	buffered := bufio.NewWriterSize(pw, pipeBufferBytes)

	var dst io.Writer = buffered
	var gz *gzip.Writer
	if gzipIt {
		gz = gzip.NewWriter(buffered)
		gz.SetConcurrency(256<<10, 8)
		dst = gz
	}
	tw := tar.NewWriter(dst)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &ferror.IOFailError{Reason: fmt.Sprintf("walking %q", path), Cause: walkErr}
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return writeTarEntry(tw, root, path, d)
	})
	if walkErr != nil {
		return walkErr
	}

	if closeErr := tw.Close(); closeErr != nil {
		return &ferror.IOFailError{Reason: "closing tar writer", Cause: closeErr}
	}
	if gz != nil {
		if closeErr := gz.Close(); closeErr != nil {
			return &ferror.IOFailError{Reason: "closing gzip writer", Cause: closeErr}
		}
	}
	if flushErr := buffered.Flush(); flushErr != nil {
		return &ferror.IOFailError{Reason: "flushing archive buffer", Cause: flushErr}
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, root, path string, d fs.DirEntry) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("relativizing %q", path), Cause: err}
	}
	rel = filepath.ToSlash(rel)

	info, err := d.Info()
	if err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("stat %q", path), Cause: err}
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("building tar header for %q", path), Cause: err}
	}
	hdr.Name = rel
	hdr.Format = tar.FormatPAX // accommodates entry names > 100 bytes transparently

	if err := tw.WriteHeader(hdr); err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("writing tar header for %q", path), Cause: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("open %q", path), Cause: err}
	}
	defer f.Close()

	if _, err := io.CopyBuffer(tw, f, make([]byte, pipeBufferBytes)); err != nil {
		return &ferror.IOFailError{Reason: fmt.Sprintf("copying %q into archive", path), Cause: err}
	}
	return nil
}
