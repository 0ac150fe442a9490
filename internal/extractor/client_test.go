package extractor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func writePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 payload"), 0o644))
	return path
}

func TestProcessFulltextUploadsPDFAndReturnsXML(t *testing.T) {
	t.Parallel()

	var gotPath, gotField, gotConsolidate string
	var gotBytes []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotConsolidate = r.FormValue("consolidateHeader")
		file, header, err := r.FormFile("input")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		gotField = header.Filename
		gotBytes = make([]byte, header.Size)
		_, _ = file.Read(gotBytes)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<TEI xmlns="http://www.tei-c.org/ns/1.0"></TEI>`))
	}))
	defer srv.Close()

	client := New(testHTTP(t), Config{BaseURL: srv.URL, ConsolidateHeader: true}, zap.NewNop())
	xml, err := client.ProcessFulltext(context.Background(), writePDF(t))
	require.NoError(t, err)
	require.Contains(t, string(xml), "<TEI")
	require.Equal(t, "/api/processFulltextDocument", gotPath)
	require.Equal(t, "file.pdf", gotField)
	require.Equal(t, "1", gotConsolidate)
	require.Equal(t, "%PDF-1.4 payload", string(gotBytes))
}

func TestProcessFulltextOmitsConsolidationWhenDisabled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Empty(t, r.FormValue("consolidateHeader"))
		_, _ = w.Write([]byte(`<TEI/>`))
	}))
	defer srv.Close()

	client := New(testHTTP(t), Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := client.ProcessFulltext(context.Background(), writePDF(t))
	require.NoError(t, err)
}

func TestProcessFulltextBusyServiceIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(testHTTP(t), Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := client.ProcessFulltext(context.Background(), writePDF(t))

	var status *corpus.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusServiceUnavailable, status.Code)
	require.True(t, corpus.IsTransient(err))
}

func TestProcessFulltextMissingPDF(t *testing.T) {
	t.Parallel()

	client := New(testHTTP(t), Config{BaseURL: "http://127.0.0.1:0"}, zap.NewNop())
	_, err := client.ProcessFulltext(context.Background(), filepath.Join(t.TempDir(), "absent.pdf"))
	require.Error(t, err)
}
