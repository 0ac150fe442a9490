package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/httpclient"
)

func testHTTP(t *testing.T) *httpclient.Client {
	t.Helper()
	c := httpclient.New(httpclient.Config{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		Timeout:     5 * time.Second,
	}, zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func rawRecord(id string, version int, published string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %q,
		"type": "preprints",
		"attributes": {
			"title": "Paper %s",
			"date_published": %q,
			"date_modified": %q,
			"is_published": true,
			"version": %d,
			"tags": ["open-science"]
		},
		"relationships": {
			"provider": {"data": {"id": "osf"}},
			"primary_file": {
				"data": {"id": "file-%s"},
				"links": {"related": {"href": ""}}
			}
		},
		"links": {"self": "https://example.org/%s"}
	}`, id, id, published, published, version, id, id))
}

func TestBatchesSpansPagesIntoOneBatch(t *testing.T) {
	t.Parallel()

	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	var firstQuery atomic.Value
	var secondHasParams atomic.Bool

	pageOne := make([]json.RawMessage, 0, 100)
	for i := 0; i < 100; i++ {
		pageOne = append(pageOne, rawRecord(fmt.Sprintf("a%03d", i), 1, "2025-01-02T00:00:00Z"))
	}
	pageTwo := make([]json.RawMessage, 0, 40)
	for i := 0; i < 40; i++ {
		pageTwo = append(pageTwo, rawRecord(fmt.Sprintf("b%03d", i), 1, "2025-01-03T00:00:00Z"))
	}

	mux.HandleFunc("/v2/preprints/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			secondHasParams.Store(r.URL.Query().Get("filter[date_published][gte]") != "")
			writePage(w, pageTwo, "")
			return
		}
		firstQuery.Store(r.URL.Query())
		writePage(w, pageOne, srv.URL+"/v2/preprints/?page=2")
	})

	client := New(testHTTP(t), srv.URL+"/v2", 100, zap.NewNop())
	stream, err := client.Batches(Query{
		From:          time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		OnlyPublished: true,
		SortAscending: true,
	}, 1000)
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, stream.Next(ctx))
	require.Len(t, stream.Batch(), 140)
	require.False(t, stream.Next(ctx))
	require.NoError(t, stream.Err())

	// First request carries every filter; the continuation link is used
	// verbatim with no parameters re-applied.
	q := firstQuery.Load().(url.Values)
	require.Equal(t, "2025-01-01", q.Get("filter[date_published][gte]"))
	require.Equal(t, "true", q.Get("filter[is_published]"))
	require.Equal(t, "date_published", q.Get("sort"))
	require.False(t, secondHasParams.Load())
}

func TestBatchesEmitsFixedSizeBatchesWithRemainder(t *testing.T) {
	t.Parallel()

	records := make([]json.RawMessage, 0, 75)
	for i := 0; i < 75; i++ {
		records = append(records, rawRecord(fmt.Sprintf("r%03d", i), 1, "2025-02-01T00:00:00Z"))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePage(w, records, "")
	}))
	defer srv.Close()

	client := New(testHTTP(t), srv.URL, 100, zap.NewNop())
	stream, err := client.Batches(Query{From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, 30)
	require.NoError(t, err)

	ctx := context.Background()
	var sizes []int
	for stream.Next(ctx) {
		sizes = append(sizes, len(stream.Batch()))
	}
	require.NoError(t, stream.Err())
	require.Equal(t, []int{30, 30, 15}, sizes)
}

func TestBatchesValidatesBeforeAnyNetworkCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := New(testHTTP(t), srv.URL, 100, zap.NewNop())

	_, err := client.Batches(Query{}, 100)
	var verr *corpus.ValidationError
	require.ErrorAs(t, err, &verr)

	until := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = client.Batches(Query{
		From:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: &until,
	}, 100)
	require.ErrorAs(t, err, &verr)

	_, err = client.Batches(Query{From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, 0)
	require.ErrorAs(t, err, &verr)

	require.Equal(t, int32(0), calls.Load())
}

func TestBatchesRetriesRateLimitedPages(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	records := []json.RawMessage{rawRecord("one", 1, "2025-03-01T00:00:00Z")}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writePage(w, records, "")
	}))
	defer srv.Close()

	client := New(testHTTP(t), srv.URL, 100, zap.NewNop())
	stream, err := client.Batches(Query{From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, 10)
	require.NoError(t, err)

	require.True(t, stream.Next(context.Background()))
	require.Len(t, stream.Batch(), 1)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchByIDMapsNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(testHTTP(t), srv.URL, 100, zap.NewNop())
	_, err := client.FetchByID(context.Background(), "nope1")
	require.ErrorIs(t, err, corpus.ErrNotFound)
}

func TestFetchByIDDecodesRecord(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": json.RawMessage(rawRecord("abc12", 3, "2025-04-01T00:00:00Z")),
		})
	}))
	defer srv.Close()

	client := New(testHTTP(t), srv.URL, 100, zap.NewNop())
	rec, err := client.FetchByID(context.Background(), "abc12")
	require.NoError(t, err)
	require.Equal(t, "abc12", rec.ID)
	require.Equal(t, 3, rec.Version)
	require.Equal(t, "osf", rec.ProviderID)
	require.Equal(t, "file-abc12", rec.PrimaryFileID)
	require.NotNil(t, rec.DatePublished)
	require.NotEmpty(t, rec.Raw)
}

func TestNormalizeDOI(t *testing.T) {
	t.Parallel()

	require.Equal(t, "10.1234/abcd", NormalizeDOI("https://doi.org/10.1234/abcd"))
	require.Equal(t, "10.1234/abcd", NormalizeDOI("HTTP://DOI.ORG/10.1234/abcd"))
	require.Equal(t, "10.1234/abcd", NormalizeDOI("  10.1234/abcd "))
}

func TestResolveFilePrefersEmbeddedLink(t *testing.T) {
	t.Parallel()

	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/file-doc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {
			"attributes": {"name": "paper.pdf", "contentType": "application/pdf"},
			"links": {"download": "https://files.example.org/paper.pdf"}
		}}`))
	})

	raw := json.RawMessage(fmt.Sprintf(`{
		"id": "abc12",
		"relationships": {"primary_file": {
			"data": {"id": "f1"},
			"links": {"related": {"href": %q}}
		}}
	}`, srv.URL+"/file-doc"))

	client := New(testHTTP(t), srv.URL, 100, zap.NewNop())
	info, err := client.ResolveFile(context.Background(), corpus.Record{ID: "abc12", Raw: raw})
	require.NoError(t, err)
	require.Equal(t, "https://files.example.org/paper.pdf", info.DownloadURL)
	require.Equal(t, "application/pdf", info.ContentType)
	require.Equal(t, "paper.pdf", info.Name)
}

func TestResolveFileFallsBackToFileID(t *testing.T) {
	t.Parallel()

	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/files/f9/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {
			"attributes": {"name": "paper.docx"},
			"links": {"download": "https://files.example.org/paper.docx"}
		}}`))
	})

	raw := json.RawMessage(`{
		"id": "xyz99",
		"relationships": {"primary_file": {"data": {"id": "f9"}}}
	}`)

	client := New(testHTTP(t), srv.URL, 100, zap.NewNop())
	info, err := client.ResolveFile(context.Background(), corpus.Record{ID: "xyz99", Raw: raw})
	require.NoError(t, err)
	require.Equal(t, "https://files.example.org/paper.docx", info.DownloadURL)
	require.Equal(t, "paper.docx", info.Name)
}

func TestResolveFileWithoutRelationReportsNoPrimaryFile(t *testing.T) {
	t.Parallel()

	client := New(testHTTP(t), "http://127.0.0.1:0", 100, zap.NewNop())
	raw := json.RawMessage(`{"id": "bare1", "relationships": {}}`)
	_, err := client.ResolveFile(context.Background(), corpus.Record{ID: "bare1", Raw: raw})
	require.ErrorIs(t, err, corpus.ErrNoPrimaryFile)
}

func writePage(w http.ResponseWriter, data []json.RawMessage, next string) {
	resp := map[string]any{"data": data}
	links := map[string]any{}
	if next != "" {
		links["next"] = next
	}
	resp["links"] = links
	_ = json.NewEncoder(w).Encode(resp)
}
