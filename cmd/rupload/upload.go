package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-resumable/session"
	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-resumable/upload/source"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

const defaultMIMEType = "application/octet-stream"

func newUploadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Upload files",
		Long: `Upload files one after the other, each in its own upload session.

Examples:
  # Upload a file in 8 MiB chunks
  rupload upload --url https://uploads.example.com/upload --chunk-size 8MiB build.zip

  # Upload every zip under dist, compressed
  rupload upload --url https://uploads.example.com/upload --glob 'dist/**/*.zip' --zstd`,
		RunE: a.runUpload,
	}

	cmd.Flags().StringVar(&a.opts.url, "url", "", "Session negotiation URL")
	cmd.Flags().StringVar(&a.opts.token, "token", "", "Bearer token sent with the negotiation request")
	cmd.Flags().StringVar(&a.opts.chunkSize, "chunk-size", "", "Chunk size, e.g. 256KiB or 8MiB (default: whole file in one request)")
	cmd.Flags().StringVar(&a.opts.mimeType, "mime", "", "Content type of the uploaded data (default: detected from the file extension)")
	cmd.Flags().StringVar(&a.opts.glob, "glob", "", "Upload the files matching this pattern, ** matches directories recursively")
	cmd.Flags().BoolVar(&a.opts.zstd, "zstd", false, "Compress files with zstd before upload")
	cmd.Flags().IntVar(&a.opts.zstdLevel, "zstd-level", 0, "zstd compression level (1-19, 0 for the default)")

	return cmd
}

func (a *app) runUpload(cmd *cobra.Command, args []string) error {
	if a.opts.url == "" {
		return errors.New("upload URL is not set (--url or RUPLOAD_URL)")
	}
	chunkSize, err := parseChunkSize(a.opts.chunkSize)
	if err != nil {
		return err
	}

	paths, err := a.expandPaths(args, a.opts.glob)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no files to upload")
	}

	registry, err := a.openRegistry(false)
	if err != nil {
		return err
	}
	defer a.closeRegistry(registry)

	ctx := commandContext(cmd)
	for _, path := range paths {
		if err := a.uploadFile(ctx, path, chunkSize, registry); err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
	}
	return nil
}

func (a *app) uploadFile(ctx context.Context, path string, chunkSize int64, registry *session.Registry) error {
	req, err := http.NewRequest(http.MethodPost, a.opts.url, nil)
	if err != nil {
		return err
	}
	if a.opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.token)
	}

	mimeType := a.mimeType(path)
	f, err := upload.NewWithRequest(req, mimeType, chunkSize, a.uploadConfig(registry))
	if err != nil {
		return err
	}

	if a.opts.zstd {
		src, err := source.NewCompressedFile(path, a.opts.zstdLevel)
		if err != nil {
			return err
		}
		defer func() {
			if err := src.Close(); err != nil {
				a.logger.Warnf("Failed to remove compressed copy of %s: %s", path, err)
			}
		}()
		a.logger.Infof("Compressed %s to %s", path, units.HumanSizeWithPrecision(float64(src.Length()), 3))
		if err := f.SetSource(src); err != nil {
			return err
		}
	} else if err := f.SetFile(path); err != nil {
		return err
	}

	a.logger.Infof("Uploading %s (%s, %s)", path, mimeType, units.HumanSizeWithPrecision(float64(f.TotalLength()), 3))
	start := time.Now()
	if err := f.Start(context.Background(), nil); err != nil {
		return err
	}
	if err := a.wait(ctx, f); err != nil {
		return err
	}

	a.logger.Donef("Uploaded %s in %s (%d requests)", path, time.Since(start).Round(time.Millisecond), f.Stats().RequestCount())
	return nil
}

func (a *app) mimeType(path string) string {
	switch {
	case a.opts.mimeType != "":
		return a.opts.mimeType
	case a.opts.zstd:
		return "application/zstd"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return defaultMIMEType
}

// expandPaths resolves args and the matches of pattern to absolute paths of regular files.
func (a *app) expandPaths(args []string, pattern string) ([]string, error) {
	candidates := append([]string(nil), args...)

	if pattern != "" {
		base, rel := doublestar.SplitPattern(pattern)
		absBase, err := a.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), rel, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			a.logger.Warnf("No match for path pattern: %s", pattern)
		}
		for _, match := range matches {
			candidates = append(candidates, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var paths []string
	for _, candidate := range candidates {
		path, err := a.pathModifier.AbsPath(candidate)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			a.logger.Debugf("Skipping directory %s", path)
			continue
		}
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func parseChunkSize(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return upload.StandardChunkSize, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", value, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("invalid chunk size %q: must be positive", value)
	}
	return size, nil
}
