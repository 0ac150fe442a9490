package registry

import (
	"encoding/json"
	"time"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// page is one JSON:API result page from the registry.
type page struct {
	Data  []json.RawMessage `json:"data"`
	Links pageLinks         `json:"links"`
}

type pageLinks struct {
	Next string `json:"next"`
}

// envelope is the parsed shape of one registry record. The raw bytes are
// retained verbatim alongside the parsed fields.
type envelope struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Title           string          `json:"title"`
		Description     string          `json:"description"`
		DOI             string          `json:"doi"`
		DateCreated     *time.Time      `json:"date_created"`
		DateModified    *time.Time      `json:"date_modified"`
		DatePublished   *time.Time      `json:"date_published"`
		IsPublished     bool            `json:"is_published"`
		Version         int             `json:"version"`
		IsLatestVersion bool            `json:"is_latest_version"`
		ReviewsState    string          `json:"reviews_state"`
		Tags            []string        `json:"tags"`
		Subjects        json.RawMessage `json:"subjects"`
		LicenseRecord   json.RawMessage `json:"license_record"`
	} `json:"attributes"`
	Relationships relationships   `json:"relationships"`
	Links         json.RawMessage `json:"links"`
}

type relationships struct {
	Provider    relationship `json:"provider"`
	PrimaryFile relationship `json:"primary_file"`
}

type relationship struct {
	Data *struct {
		ID string `json:"id"`
	} `json:"data"`
	Links struct {
		Related struct {
			Href string `json:"href"`
		} `json:"related"`
	} `json:"links"`
}

func (r relationship) id() string {
	if r.Data == nil {
		return ""
	}
	return r.Data.ID
}

// fileDocument is the registry's file entity, looked up to resolve the
// direct download URL of a record's primary file.
type fileDocument struct {
	Data struct {
		Attributes struct {
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
		} `json:"attributes"`
		Links struct {
			Download string `json:"download"`
		} `json:"links"`
	} `json:"data"`
}

// FileInfo describes a record's resolved primary file.
type FileInfo struct {
	DownloadURL string
	Name        string
	ContentType string
}

// decodeRecord parses one raw registry payload into a canonical Record,
// keeping the original bytes in Raw.
func decodeRecord(raw json.RawMessage) (corpus.Record, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return corpus.Record{}, err
	}
	a := env.Attributes
	return corpus.Record{
		ID:              env.ID,
		Type:            env.Type,
		ProviderID:      env.Relationships.Provider.id(),
		Version:         a.Version,
		Title:           a.Title,
		Description:     a.Description,
		DOI:             a.DOI,
		Tags:            a.Tags,
		Subjects:        a.Subjects,
		License:         a.LicenseRecord,
		Links:           env.Links,
		Raw:             raw,
		DateCreated:     a.DateCreated,
		DateModified:    a.DateModified,
		DatePublished:   a.DatePublished,
		IsPublished:     a.IsPublished,
		IsLatestVersion: a.IsLatestVersion,
		ReviewsState:    a.ReviewsState,
		PrimaryFileID:   env.Relationships.PrimaryFile.id(),
	}, nil
}
