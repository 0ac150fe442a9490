// Package registry implements the client for the remote preprint
// registry API: paginated record listing, taxonomy lookup, single-record
// fetches and primary-file resolution.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/httpclient"
)

const maxPageSize = 100

var doiURLPattern = regexp.MustCompile(`(?i)^https?://doi\.org/(.+)$`)

// Client talks to the registry API through the shared HTTP client.
type Client struct {
	http     *httpclient.Client
	baseURL  string
	pageSize int
	logger   *zap.Logger
}

// New constructs a registry Client.
func New(http *httpclient.Client, baseURL string, pageSize int, logger *zap.Logger) *Client {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     http,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: pageSize,
		logger:   logger,
	}
}

// ResolveSubjectID maps a human-readable subject ("Psychology") to the
// registry's taxonomy id. Returns empty when the subject is unknown.
func (c *Client) ResolveSubjectID(ctx context.Context, subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", &corpus.ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	u := fmt.Sprintf("%s/taxonomies/?%s", c.baseURL, url.Values{
		"filter[text]": {subject},
	}.Encode())

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.http.GetJSON(ctx, u, &out); err != nil {
		return "", fmt.Errorf("resolve subject %q: %w", subject, err)
	}
	if len(out.Data) == 0 {
		return "", nil
	}
	return out.Data[0].ID, nil
}

// FetchByID retrieves one record by its external id.
func (c *Client) FetchByID(ctx context.Context, id string) (corpus.Record, error) {
	if strings.TrimSpace(id) == "" {
		return corpus.Record{}, &corpus.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	u := fmt.Sprintf("%s/preprints/%s/", c.baseURL, url.PathEscape(id))
	if err := c.http.GetJSON(ctx, u, &out); err != nil {
		var status *corpus.StatusError
		if errors.As(err, &status) && status.Code == 404 {
			return corpus.Record{}, corpus.ErrNotFound
		}
		return corpus.Record{}, fmt.Errorf("fetch record %s: %w", id, err)
	}
	rec, err := decodeRecord(out.Data)
	if err != nil {
		return corpus.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// FetchByDOI retrieves one record by DOI, accepting either a bare DOI or
// a https://doi.org/... URL.
func (c *Client) FetchByDOI(ctx context.Context, doiOrURL string) (corpus.Record, error) {
	doi := NormalizeDOI(doiOrURL)
	if doi == "" {
		return corpus.Record{}, &corpus.ValidationError{Field: "doi", Reason: "must not be empty"}
	}
	u := fmt.Sprintf("%s/preprints/?%s", c.baseURL, url.Values{
		"filter[doi]": {doi},
		"page[size]":  {"1"},
	}.Encode())

	var out page
	if err := c.http.GetJSON(ctx, u, &out); err != nil {
		return corpus.Record{}, fmt.Errorf("fetch record by doi %s: %w", doi, err)
	}
	if len(out.Data) == 0 {
		return corpus.Record{}, corpus.ErrNotFound
	}
	rec, err := decodeRecord(out.Data[0])
	if err != nil {
		return corpus.Record{}, fmt.Errorf("decode record for doi %s: %w", doi, err)
	}
	return rec, nil
}

// NormalizeDOI strips a doi.org URL prefix when present.
func NormalizeDOI(doiOrURL string) string {
	s := strings.TrimSpace(doiOrURL)
	if m := doiURLPattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// ResolveFile resolves the direct download URL of a record's primary
// file, preferring the embedded relation link and falling back to a file
// lookup by id. Returns ErrNoPrimaryFile when nothing resolves.
func (c *Client) ResolveFile(ctx context.Context, rec corpus.Record) (FileInfo, error) {
	var env envelope
	if err := json.Unmarshal(rec.Raw, &env); err != nil {
		return FileInfo{}, fmt.Errorf("parse raw payload of %s: %w", rec.ID, err)
	}

	rel := env.Relationships.PrimaryFile
	if href := rel.Links.Related.Href; href != "" {
		info, err := c.fetchFile(ctx, href)
		if err == nil || !errors.Is(err, corpus.ErrNoPrimaryFile) {
			return info, err
		}
	}
	if fid := rel.id(); fid != "" {
		return c.fetchFile(ctx, fmt.Sprintf("%s/files/%s/", c.baseURL, url.PathEscape(fid)))
	}
	return FileInfo{}, corpus.ErrNoPrimaryFile
}

func (c *Client) fetchFile(ctx context.Context, fileURL string) (FileInfo, error) {
	var doc fileDocument
	if err := c.http.GetJSON(ctx, fileURL, &doc); err != nil {
		var status *corpus.StatusError
		if errors.As(err, &status) && status.Code == 404 {
			return FileInfo{}, corpus.ErrNoPrimaryFile
		}
		return FileInfo{}, fmt.Errorf("fetch file document %s: %w", fileURL, err)
	}
	if doc.Data.Links.Download == "" {
		return FileInfo{}, corpus.ErrNoPrimaryFile
	}
	return FileInfo{
		DownloadURL: doc.Data.Links.Download,
		Name:        doc.Data.Attributes.Name,
		ContentType: doc.Data.Attributes.ContentType,
	}, nil
}

func (c *Client) firstPageURL(q Query) string {
	params := url.Values{
		"filter[date_published][gte]": {q.From.Format("2006-01-02")},
		"page[size]":                  {strconv.Itoa(c.pageSize)},
	}
	if q.Until != nil {
		params.Set("filter[date_published][lte]", q.Until.Format("2006-01-02"))
	}
	if q.OnlyPublished {
		params.Set("filter[is_published]", "true")
	}
	if q.SubjectID != "" {
		params.Set("filter[subjects]", q.SubjectID)
	}
	if q.SortAscending {
		params.Set("sort", "date_published")
	} else {
		params.Set("sort", "-date_published")
	}
	return fmt.Sprintf("%s/preprints/?%s", c.baseURL, params.Encode())
}
