// -- cmd/output.go --
package cmd

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/orchestrator"
	"github.com/xkilldash9x/pagestitch/internal/stitcher"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultFilenamePattern = "pagestitch-{mode}-{timestamp}"

// artifacts are the paths written for one capture. Empty fields were not written.
type artifacts struct {
	Image     string
	Links     string
	Thumbnail string
}

// resultWriter persists capture results under the capture config.
type resultWriter struct {
	cfg    config.CaptureConfig
	logger *zap.Logger
	thumbs *stitcher.Stitcher
	now    func() time.Time
}

func newResultWriter(cfg config.CaptureConfig, logger *zap.Logger, thumbs *stitcher.Stitcher) *resultWriter {
	return &resultWriter{cfg: cfg, logger: logger, thumbs: thumbs, now: time.Now}
}

// write stores the image of res and its side files. output "-" streams the
// image to stdout and skips the side files.
func (w *resultWriter) write(stdout io.Writer, res schemas.CaptureResult, label, output string, thumbnail bool) (artifacts, error) {
	var files artifacts
	if output == "-" {
		if _, err := stdout.Write(res.EncodedImage); err != nil {
			return files, fmt.Errorf("writing image to stdout: %w", err)
		}
		return files, nil
	}

	path, err := w.path(output, label, res.Format)
	if err != nil {
		return files, err
	}
	if err := writeFile(path, res.EncodedImage); err != nil {
		return files, err
	}
	files.Image = path
	w.checkSize(path, len(res.EncodedImage))

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	if len(res.Links) > 0 {
		data, err := json.MarshalIndent(res.Links, "", "  ")
		if err != nil {
			return files, fmt.Errorf("encoding links: %w", err)
		}
		files.Links = stem + ".links.json"
		if err := writeFile(files.Links, data); err != nil {
			return files, err
		}
	}

	if thumbnail && w.thumbs != nil {
		data, err := w.thumbs.Thumbnail(res.EncodedImage, w.cfg.ThumbnailSize, res.Format, w.cfg.Defaults.JPEGQuality)
		if err != nil {
			// The main image is already on disk.
			w.logger.Warn("Failed to create thumbnail.", zap.Error(err))
			return files, nil
		}
		files.Thumbnail = stem + "-thumb." + res.Format.Extension()
		if err := writeFile(files.Thumbnail, data); err != nil {
			return files, err
		}
	}
	return files, nil
}

// path resolves where the image goes. An empty output uses capture.output_dir,
// a directory gets a generated name, anything else is taken as the file name.
func (w *resultWriter) path(output, label string, format schemas.OutputFormat) (string, error) {
	name := w.filename(label, format)
	if output == "" {
		dir, err := homedir.Expand(w.cfg.OutputDir)
		if err != nil {
			return "", fmt.Errorf("could not resolve output directory '%s': %w", w.cfg.OutputDir, err)
		}
		return filepath.Join(dir, name), nil
	}

	expanded, err := homedir.Expand(output)
	if err != nil {
		return "", fmt.Errorf("could not resolve output path '%s': %w", output, err)
	}
	if info, err := os.Stat(expanded); err == nil && info.IsDir() {
		return filepath.Join(expanded, name), nil
	}
	if strings.HasSuffix(output, string(os.PathSeparator)) {
		return filepath.Join(expanded, name), nil
	}
	if filepath.Ext(expanded) == "" {
		expanded += "." + format.Extension()
	}
	return expanded, nil
}

// filename expands capture.filename_pattern: {mode} is the label, {timestamp}
// the current Unix time in milliseconds.
func (w *resultWriter) filename(label string, format schemas.OutputFormat) string {
	pattern := w.cfg.FilenamePattern
	if pattern == "" {
		pattern = defaultFilenamePattern
	}
	name := strings.NewReplacer(
		"{mode}", sanitize(label),
		"{timestamp}", strconv.FormatInt(w.now().UnixMilli(), 10),
	).Replace(pattern)
	return name + "." + format.Extension()
}

func (w *resultWriter) checkSize(path string, size int) {
	limit := w.cfg.MaxFileSizeMB
	if limit <= 0 || size <= limit<<20 {
		return
	}
	w.logger.Warn("Capture exceeds the configured file size limit.",
		zap.String("path", path),
		zap.Int("bytes", size),
		zap.Int("limit_mb", limit),
	)
}

// sanitize keeps labels safe inside file names.
func sanitize(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, label)
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// writeBundle stores every successful device capture in one zip archive, plus a
// manifest.json describing all results without their image data.
func writeBundle(path string, results []orchestrator.DeviceResult) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating bundle: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing bundle: %w", cerr)
		}
	}()

	zw := zip.NewWriter(f)
	manifest := make([]orchestrator.DeviceResult, 0, len(results))
	for _, r := range results {
		if r.Result.Success {
			name := sanitize(r.Device.Name) + "." + r.Result.Format.Extension()
			// Encoded images are already compressed.
			entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: time.Now()})
			if err != nil {
				return fmt.Errorf("adding %s to bundle: %w", name, err)
			}
			if _, err := entry.Write(r.Result.EncodedImage); err != nil {
				return fmt.Errorf("adding %s to bundle: %w", name, err)
			}
		}
		r.Result.EncodedImage = nil
		manifest = append(manifest, r)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	entry, err := zw.Create("manifest.json")
	if err != nil {
		return fmt.Errorf("adding manifest to bundle: %w", err)
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("adding manifest to bundle: %w", err)
	}
	return zw.Close()
}
