// Package pipeline implements the per-record download and extraction
// steps that run behind the work queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/hash/sha256"
	"github.com/openpreprints/preprintd/internal/httpclient"
	"github.com/openpreprints/preprintd/internal/registry"
)

const (
	// ArtifactName is the canonical on-disk name of a record's document.
	ArtifactName = "file.pdf"
	// ExtractName is the canonical on-disk name of the structured output.
	ExtractName = "tei.xml"

	defaultProviderDir = "osf"
)

// FileSource resolves a record's primary file to a direct download URL.
type FileSource interface {
	ResolveFile(ctx context.Context, rec corpus.Record) (registry.FileInfo, error)
}

// PDFConverter turns an office document into a PDF next to it.
type PDFConverter interface {
	ToPDF(ctx context.Context, inputPath string) (string, error)
}

// DownloadStore is the slice of the record store the downloader mutates.
type DownloadStore interface {
	MarkDownloaded(ctx context.Context, id, localPath string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type contentClass int

const (
	classPDF contentClass = iota
	classConvertible
	classUnsupported
)

var convertibleTypes = map[string]string{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/msword":                      ".doc",
	"application/vnd.oasis.opendocument.text": ".odt",
	"application/rtf":                         ".rtf",
	"text/rtf":                                ".rtf",
}

var convertibleExts = map[string]bool{
	".docx": true, ".doc": true, ".odt": true, ".rtf": true,
}

// Downloader materializes records' primary files under the data root,
// converting office formats to PDF and discarding everything else.
type Downloader struct {
	files  FileSource
	http   *httpclient.Client
	conv   PDFConverter
	store  DownloadStore
	root   string
	hash   *sha256.Hasher
	clock  corpus.Clock
	logger *zap.Logger
}

// NewDownloader builds a Downloader rooted at dataRoot.
func NewDownloader(files FileSource, http *httpclient.Client, conv PDFConverter, store DownloadStore, dataRoot string, clock corpus.Clock, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		files:  files,
		http:   http,
		conv:   conv,
		store:  store,
		root:   dataRoot,
		hash:   sha256.New(),
		clock:  clock,
		logger: logger,
	}
}

// RecordDir is the canonical directory of a record's artifacts.
func RecordDir(root string, rec corpus.Record) string {
	provider := rec.ProviderID
	if provider == "" {
		provider = defaultProviderDir
	}
	return filepath.Join(root, provider, rec.ID)
}

// TargetDir is the canonical directory of a record's artifacts.
func (d *Downloader) TargetDir(rec corpus.Record) string {
	return RecordDir(d.root, rec)
}

// EnsureDownloaded downloads the record's primary file if it is not
// already on disk. Re-running it against a completed record is a cheap
// no-op, so the operation is safe to repeat after partial failures.
func (d *Downloader) EnsureDownloaded(ctx context.Context, rec corpus.Record) (corpus.DownloadOutcome, error) {
	target := filepath.Join(d.TargetDir(rec), ArtifactName)

	if rec.Downloaded && rec.LocalPath != nil {
		if _, err := os.Stat(*rec.LocalPath); err == nil {
			return corpus.DownloadSkipped, nil
		}
		d.logger.Warn("downloaded record lost its artifact, refetching",
			zap.String("record", rec.ID),
			zap.String("path", *rec.LocalPath))
	}
	if _, err := os.Stat(target); err == nil {
		if err := d.store.MarkDownloaded(ctx, rec.ID, target, d.clock.Now().UTC()); err != nil {
			return "", fmt.Errorf("record %s: %w", rec.ID, err)
		}
		return corpus.DownloadSkipped, nil
	}

	info, err := d.files.ResolveFile(ctx, rec)
	if err != nil {
		// A record without a resolvable file can never complete; keeping
		// it would re-offer it on every catch-up pass.
		if errors.Is(err, corpus.ErrNoPrimaryFile) {
			return d.drop(ctx, rec, "no resolvable primary file")
		}
		return "", fmt.Errorf("record %s: %w", rec.ID, err)
	}

	switch class, ext := classify(info); class {
	case classPDF:
		if err := d.fetchPDF(ctx, info.DownloadURL, target); err != nil {
			return "", fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if err := d.store.MarkDownloaded(ctx, rec.ID, target, d.clock.Now().UTC()); err != nil {
			return "", fmt.Errorf("record %s: %w", rec.ID, err)
		}
		d.logArtifact(rec.ID, target)
		return corpus.DownloadDone, nil

	case classConvertible:
		if err := d.fetchAndConvert(ctx, info.DownloadURL, target, ext); err != nil {
			var convErr *corpus.ConversionError
			if errors.As(err, &convErr) {
				return d.drop(ctx, rec, "conversion failed")
			}
			return "", fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if err := d.store.MarkDownloaded(ctx, rec.ID, target, d.clock.Now().UTC()); err != nil {
			return "", fmt.Errorf("record %s: %w", rec.ID, err)
		}
		d.logArtifact(rec.ID, target)
		return corpus.DownloadConverted, nil

	default:
		return d.drop(ctx, rec, fmt.Sprintf("unsupported content %s (%s)", info.ContentType, info.Name))
	}
}

// drop removes the record row and any partial artifacts. Unsupported or
// unconvertible content never enters the mirror; deleting the row keeps
// the pending selector from re-offering it forever.
func (d *Downloader) drop(ctx context.Context, rec corpus.Record, reason string) (corpus.DownloadOutcome, error) {
	d.logger.Info("dropping record",
		zap.String("record", rec.ID),
		zap.String("reason", reason))
	_ = os.RemoveAll(d.TargetDir(rec))
	if err := d.store.Delete(ctx, rec.ID); err != nil {
		return "", fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return corpus.DownloadDeleted, nil
}

// logArtifact records the finished artifact's digest so operators can
// detect upstream content changes across runs.
func (d *Downloader) logArtifact(recordID, target string) {
	digest, err := d.hash.File(target)
	if err != nil {
		d.logger.Warn("hash artifact", zap.String("record", recordID), zap.Error(err))
		return
	}
	d.logger.Info("artifact stored",
		zap.String("record", recordID),
		zap.String("path", target),
		zap.String("sha256", digest))
}

func (d *Downloader) fetchPDF(ctx context.Context, url, target string) error {
	tmp, err := d.fetchToTemp(ctx, url, target)
	if err != nil {
		return err
	}
	if err := verifyPDF(tmp, d.logger); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", target, err)
	}
	return nil
}

func (d *Downloader) fetchAndConvert(ctx context.Context, url, target, ext string) error {
	source := strings.TrimSuffix(target, filepath.Ext(target)) + ext
	tmp, err := d.fetchToTemp(ctx, url, source)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, source); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", source, err)
	}
	defer func() { _ = os.Remove(source) }()

	produced, err := d.conv.ToPDF(ctx, source)
	if err != nil {
		return err
	}
	if err := verifyPDF(produced, d.logger); err != nil {
		_ = os.Remove(produced)
		// The converter exited cleanly but its product is not a PDF.
		return &corpus.ConversionError{Input: source, Err: err}
	}
	if produced != target {
		if err := os.Rename(produced, target); err != nil {
			return fmt.Errorf("finalize %s: %w", target, err)
		}
	}
	return nil
}

// fetchToTemp streams the remote file into a temp file next to target and
// returns the temp path. The caller renames it into place.
func (d *Downloader) fetchToTemp(ctx context.Context, url, target string) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	resp, err := d.http.Get(ctx, url)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stream %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

func classify(info registry.FileInfo) (contentClass, string) {
	ct := strings.ToLower(strings.TrimSpace(info.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	ext := strings.ToLower(filepath.Ext(info.Name))

	if ct == "application/pdf" || (ct == "" && ext == ".pdf") {
		return classPDF, ".pdf"
	}
	if e, ok := convertibleTypes[ct]; ok {
		return classConvertible, e
	}
	if ct == "" && convertibleExts[ext] {
		return classConvertible, ext
	}
	if ct == "application/octet-stream" {
		if ext == ".pdf" {
			return classPDF, ".pdf"
		}
		if convertibleExts[ext] {
			return classConvertible, ext
		}
	}
	return classUnsupported, ext
}

// verifyPDF rejects artifacts that are not PDFs at all. A parseable page
// tree is logged but not required; the structuring service copes with
// mildly malformed files better than the local reader does.
func verifyPDF(path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	magic := make([]byte, 5)
	_, readErr := io.ReadFull(f, magic)
	_ = f.Close()
	if readErr != nil || string(magic) != "%PDF-" {
		return fmt.Errorf("%s is not a pdf document", filepath.Base(path))
	}

	if file, reader, err := pdf.Open(path); err == nil {
		logger.Debug("pdf verified", zap.String("path", path), zap.Int("pages", reader.NumPage()))
		_ = file.Close()
	} else {
		logger.Warn("pdf structure not parseable, keeping anyway",
			zap.String("path", path), zap.Error(err))
	}
	return nil
}
