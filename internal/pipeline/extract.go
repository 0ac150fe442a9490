package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// FulltextService structures a PDF into XML.
type FulltextService interface {
	ProcessFulltext(ctx context.Context, pdfPath string) ([]byte, error)
}

// ExtractStore is the slice of the record store the extractor mutates.
// MarkDownloaded is needed when a legacy artifact is relocated.
type ExtractStore interface {
	MarkDownloaded(ctx context.Context, id, localPath string, at time.Time) error
	MarkExtracted(ctx context.Context, id, outputPath string, at time.Time) error
}

// Extractor runs downloaded PDFs through the structuring service and
// persists the XML next to the source document.
type Extractor struct {
	svc    FulltextService
	store  ExtractStore
	root   string
	clock  corpus.Clock
	logger *zap.Logger
}

// NewExtractor builds an Extractor rooted at dataRoot.
func NewExtractor(svc FulltextService, store ExtractStore, dataRoot string, clock corpus.Clock, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{svc: svc, store: store, root: dataRoot, clock: clock, logger: logger}
}

// EnsureExtracted structures the record's PDF if no output exists yet.
// On service failure the extraction lane stays unset so the record is
// picked up again by the next catch-up pass.
func (e *Extractor) EnsureExtracted(ctx context.Context, rec corpus.Record) (corpus.ExtractOutcome, error) {
	if rec.Extracted && rec.OutputPath != nil {
		if _, err := os.Stat(*rec.OutputPath); err == nil {
			return corpus.ExtractSkipped, nil
		}
		e.logger.Warn("extracted record lost its output, re-extracting",
			zap.String("record", rec.ID),
			zap.String("path", *rec.OutputPath))
	}
	if !rec.Downloaded {
		return corpus.ExtractSkipped, nil
	}

	pdfPath, err := e.locatePDF(ctx, rec)
	if err != nil {
		return corpus.ExtractFailed, fmt.Errorf("record %s: %w", rec.ID, err)
	}

	xml, err := e.svc.ProcessFulltext(ctx, pdfPath)
	if err != nil {
		return corpus.ExtractFailed, fmt.Errorf("record %s: %w", rec.ID, err)
	}

	outPath := filepath.Join(filepath.Dir(pdfPath), ExtractName)
	if err := writeAtomic(outPath, xml); err != nil {
		return corpus.ExtractFailed, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if err := e.store.MarkExtracted(ctx, rec.ID, outPath, e.clock.Now().UTC()); err != nil {
		return corpus.ExtractFailed, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return corpus.ExtractDone, nil
}

// locatePDF finds the record's document, checking the recorded path, the
// canonical layout, and finally the legacy flat layout. A legacy hit is
// relocated into the canonical directory first.
func (e *Extractor) locatePDF(ctx context.Context, rec corpus.Record) (string, error) {
	if rec.LocalPath != nil {
		if _, err := os.Stat(*rec.LocalPath); err == nil {
			return *rec.LocalPath, nil
		}
	}

	canonical := filepath.Join(RecordDir(e.root, rec), ArtifactName)
	if _, err := os.Stat(canonical); err == nil {
		return canonical, nil
	}

	legacy := filepath.Join(e.root, rec.ID, ArtifactName)
	if _, err := os.Stat(legacy); err == nil {
		if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", filepath.Dir(canonical), err)
		}
		if err := os.Rename(legacy, canonical); err != nil {
			return "", fmt.Errorf("relocate legacy artifact: %w", err)
		}
		_ = os.Remove(filepath.Dir(legacy))
		e.logger.Info("relocated legacy artifact",
			zap.String("record", rec.ID),
			zap.String("from", legacy),
			zap.String("to", canonical))
		if err := e.store.MarkDownloaded(ctx, rec.ID, canonical, e.clock.Now().UTC()); err != nil {
			return "", err
		}
		return canonical, nil
	}

	return "", fmt.Errorf("document missing on disk (looked in %s)", canonical)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".extract-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}
