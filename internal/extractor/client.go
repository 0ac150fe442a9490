// Package extractor wraps the full-text structuring service that turns a
// PDF into structured TEI XML.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/httpclient"
)

const processPath = "/api/processFulltextDocument"

// Config controls the extraction client.
type Config struct {
	BaseURL string
	// ConsolidateHeader asks the service to consolidate header metadata
	// against external bibliographic databases.
	ConsolidateHeader bool
}

// Client posts PDFs to the structuring service.
type Client struct {
	http   *httpclient.Client
	cfg    Config
	logger *zap.Logger
}

// New builds an extraction Client.
func New(http *httpclient.Client, cfg Config, logger *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: http, cfg: cfg, logger: logger}
}

// ProcessFulltext uploads the PDF at pdfPath and returns the structured
// XML. A 5xx or 503-busy answer surfaces as a transient StatusError so
// the dispatch layer can retry it.
func (c *Client) ProcessFulltext(ctx context.Context, pdfPath string) ([]byte, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", pdfPath, err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("input", filepath.Base(pdfPath))
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy pdf into request: %w", err)
	}
	if c.cfg.ConsolidateHeader {
		if err := mw.WriteField("consolidateHeader", "1"); err != nil {
			return nil, fmt.Errorf("build multipart body: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	u := c.cfg.BaseURL + processPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", u, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, &corpus.StatusError{Code: resp.StatusCode, URL: u}
	}

	xml, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read extraction response: %w", err)
	}
	if len(xml) == 0 {
		return nil, fmt.Errorf("extraction service returned an empty document for %s", filepath.Base(pdfPath))
	}
	c.logger.Debug("extracted fulltext",
		zap.String("pdf", pdfPath),
		zap.Int("xml_bytes", len(xml)))
	return xml, nil
}
