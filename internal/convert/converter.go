// Package convert shells out to a LibreOffice-compatible binary to turn
// office documents into PDF.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// Config controls the external converter invocation.
type Config struct {
	// Binary is the converter executable, e.g. "soffice".
	Binary  string
	Timeout time.Duration
}

// Converter converts a single document to PDF per call. The underlying
// binary is not safe for concurrent profiles, so callers serialize
// conversions themselves.
type Converter struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Converter.
func New(cfg Config, logger *zap.Logger) *Converter {
	if cfg.Binary == "" {
		cfg.Binary = "soffice"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{cfg: cfg, logger: logger}
}

// ToPDF converts inputPath into a PDF placed next to it and returns the
// produced file's path. Failures are permanent ConversionErrors; they are
// never retried upstream.
func (c *Converter) ToPDF(ctx context.Context, inputPath string) (string, error) {
	outDir := filepath.Dir(inputPath)
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outPath := filepath.Join(outDir, base+".pdf")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Binary,
		"--headless", "--convert-to", "pdf", "--outdir", outDir, inputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.logger.Debug("converting document",
		zap.String("input", inputPath),
		zap.String("binary", c.cfg.Binary))

	if err := cmd.Run(); err != nil {
		return "", &corpus.ConversionError{
			Input: inputPath,
			Err:   fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", &corpus.ConversionError{
			Input: inputPath,
			Err:   fmt.Errorf("converter exited cleanly but produced no %s", filepath.Base(outPath)),
		}
	}
	return outPath, nil
}
