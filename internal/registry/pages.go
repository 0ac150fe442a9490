package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// Query bounds a paginated listing of registry records.
type Query struct {
	From          time.Time
	Until         *time.Time
	SubjectID     string
	OnlyPublished bool
	SortAscending bool
}

func (q Query) validate() error {
	if q.From.IsZero() {
		return &corpus.ValidationError{Field: "from", Reason: "lower publish-date bound is required"}
	}
	if q.Until != nil && q.Until.Before(q.From) {
		return &corpus.ValidationError{Field: "until", Reason: "must not precede the lower bound"}
	}
	return nil
}

// BatchStream is a finite, single-pass sequence of record batches. The
// first request carries the filter parameters; every subsequent request
// follows the server-supplied continuation link verbatim. Consumers must
// fully drain or abandon the stream; it cannot be restarted.
type BatchStream struct {
	client    *Client
	batchSize int
	nextURL   string
	buffer    []corpus.Record
	batch     []corpus.Record
	exhausted bool
	err       error
}

// Batches validates the query and returns a lazy stream emitting batches
// of batchSize records, flushing a final partial batch at the end.
func (c *Client) Batches(q Query, batchSize int) (*BatchStream, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, &corpus.ValidationError{Field: "batchSize", Reason: "must be > 0"}
	}
	return &BatchStream{
		client:    c,
		batchSize: batchSize,
		nextURL:   c.firstPageURL(q),
	}, nil
}

// Next advances to the next batch. It returns false when the stream is
// exhausted or failed; check Err afterwards.
func (s *BatchStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	for len(s.buffer) < s.batchSize && !s.exhausted {
		if s.nextURL == "" {
			s.exhausted = true
			break
		}
		var pg page
		if err := s.client.http.GetJSON(ctx, s.nextURL, &pg); err != nil {
			s.err = err
			return false
		}
		for _, raw := range pg.Data {
			rec, err := decodeRecord(raw)
			if err != nil {
				// A single malformed record must not stall the mirror.
				s.client.logger.Warn("skipping undecodable record", zap.Error(err))
				continue
			}
			s.buffer = append(s.buffer, rec)
		}
		s.nextURL = pg.Links.Next
	}

	if len(s.buffer) == 0 {
		return false
	}
	n := s.batchSize
	if len(s.buffer) < n {
		n = len(s.buffer)
	}
	s.batch = s.buffer[:n]
	s.buffer = s.buffer[n:]
	return true
}

// Batch returns the batch produced by the last successful Next call.
func (s *BatchStream) Batch() []corpus.Record {
	return s.batch
}

// Err returns the first error the stream encountered, if any.
func (s *BatchStream) Err() error {
	return s.err
}
