package source

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CompressedFile is a File source serving the zstd-compressed form of another file.
// The compressed payload is written to a temporary file, which is removed on Close.
type CompressedFile struct {
	*File
	sourcePath string
}

// NewCompressedFile compresses the file at path with the given zstd level (1-19, 0 for the default)
// and opens the result as a Source.
func NewCompressedFile(path string, level int) (*CompressedFile, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp("", "upload-*.zst")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := compress(tmp, in, level); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	file, err := NewFile(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	return &CompressedFile{File: file, sourcePath: path}, nil
}

// SourcePath returns the path of the uncompressed input.
func (c *CompressedFile) SourcePath() string {
	return c.sourcePath
}

// Close closes and removes the compressed temp file.
func (c *CompressedFile) Close() error {
	closeErr := c.File.Close()
	if err := os.Remove(c.File.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return closeErr
}

func compress(dst io.Writer, src io.Reader, level int) error {
	var opts []zstd.EOption
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}

	zstdWriter, err := zstd.NewWriter(dst, opts...)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zstdWriter, src); err != nil {
		_ = zstdWriter.Close()
		return fmt.Errorf("compress file: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}
