package api

import (
	"bytes"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
)

// captureWriter buffers a handler's response so it can be cached before
// being flushed to the real ResponseWriter.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header), status: http.StatusOK}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) { c.status = status }

func (c *captureWriter) Write(b []byte) (int, error) { return c.body.Write(b) }

// withIdempotency wraps a mutating agent-protocol handler. If the request
// carries an Idempotency-Key and that (key, endpoint) pair was already
// served, the cached response is replayed verbatim instead of re-running
// next. Requests with no key pass through unchanged.
func withIdempotency(idem repository.IdempotencyRepository, endpoint string, logger *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if cached, err := idem.Get(r.Context(), key, endpoint); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.ResponseStatus)
			_, _ = w.Write([]byte(cached.ResponseBody))
			return
		} else if !errors.Is(err, repository.ErrNotFound) {
			logger.Error("idempotency lookup failed", zap.String("endpoint", endpoint), zap.Error(err))
			ErrInternal(w)
			return
		}

		cw := newCaptureWriter()
		next(cw, r)

		for k, vals := range cw.Header() {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(cw.status)
		_, _ = w.Write(cw.body.Bytes())

		record := &db.IdempotencyRecord{
			Key:            key,
			Endpoint:       endpoint,
			ResponseStatus: cw.status,
			ResponseBody:   cw.body.String(),
		}
		if err := idem.Put(r.Context(), record); err != nil {
			logger.Error("failed to store idempotency record", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}
