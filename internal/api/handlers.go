package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
)

type syncRangeRequest struct {
	From    string `json:"from"`
	Until   string `json:"until"`
	Subject string `json:"subject"`
}

type fetchOneRequest struct {
	ID  string `json:"id"`
	DOI string `json:"doi"`
}

// submitSyncRange handles POST /v1/tasks/sync-range. Dates are
// YYYY-MM-DD; until is optional.
func (s *Server) submitSyncRange(w http.ResponseWriter, r *http.Request) {
	var req syncRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be a YYYY-MM-DD date")
		return
	}
	var until *time.Time
	if req.Until != "" {
		u, err := time.Parse("2006-01-02", req.Until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be a YYYY-MM-DD date")
			return
		}
		until = &u
	}

	handle, err := s.tasks.SubmitSyncRange(r.Context(), from, until, req.Subject)
	if err != nil {
		s.logger.Error("submit range sync failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_handle": handle})
}

// submitFetchOne handles POST /v1/tasks/fetch-one.
func (s *Server) submitFetchOne(w http.ResponseWriter, r *http.Request) {
	var req fetchOneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	handle, err := s.tasks.SubmitFetchOne(r.Context(), req.ID, req.DOI)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_handle": handle})
}

// submitDownloads handles POST /v1/tasks/downloads, queueing a catch-up
// chain over pending downloads.
func (s *Server) submitDownloads(w http.ResponseWriter, r *http.Request) {
	handle, err := s.tasks.SubmitDownloads(r.Context())
	if err != nil {
		s.logger.Error("submit downloads failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	if handle == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing pending"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_handle": handle})
}

// submitExtractions handles POST /v1/tasks/extractions.
func (s *Server) submitExtractions(w http.ResponseWriter, r *http.Request) {
	handle, err := s.tasks.SubmitExtractions(r.Context())
	if err != nil {
		s.logger.Error("submit extractions failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	if handle == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing pending"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_handle": handle})
}

// getRecord handles GET /v1/records/{record_id}.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "record_id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record failed", zap.String("record", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": toRecordDTO(rec)})
}

type recordDTO struct {
	ID            string          `json:"id"`
	Type          string          `json:"type,omitempty"`
	ProviderID    string          `json:"provider_id,omitempty"`
	Version       int             `json:"version"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	DOI           string          `json:"doi,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Subjects      json.RawMessage `json:"subjects,omitempty"`
	DateCreated   *time.Time      `json:"date_created,omitempty"`
	DateModified  *time.Time      `json:"date_modified,omitempty"`
	DatePublished *time.Time      `json:"date_published,omitempty"`
	IsPublished   bool            `json:"is_published"`
	ReviewsState  string          `json:"reviews_state,omitempty"`
	Downloaded    bool            `json:"downloaded"`
	DownloadedAt  *time.Time      `json:"downloaded_at,omitempty"`
	LocalPath     *string         `json:"local_path,omitempty"`
	Extracted     bool            `json:"extracted"`
	ExtractedAt   *time.Time      `json:"extracted_at,omitempty"`
	OutputPath    *string         `json:"output_path,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toRecordDTO(rec corpus.Record) recordDTO {
	return recordDTO{
		ID:            rec.ID,
		Type:          rec.Type,
		ProviderID:    rec.ProviderID,
		Version:       rec.Version,
		Title:         rec.Title,
		Description:   rec.Description,
		DOI:           rec.DOI,
		Tags:          rec.Tags,
		Subjects:      rec.Subjects,
		DateCreated:   rec.DateCreated,
		DateModified:  rec.DateModified,
		DatePublished: rec.DatePublished,
		IsPublished:   rec.IsPublished,
		ReviewsState:  rec.ReviewsState,
		Downloaded:    rec.Downloaded,
		DownloadedAt:  rec.DownloadedAt,
		LocalPath:     rec.LocalPath,
		Extracted:     rec.Extracted,
		ExtractedAt:   rec.ExtractedAt,
		OutputPath:    rec.OutputPath,
		UpdatedAt:     rec.UpdatedAt,
	}
}
