package rest

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
)

// recordingWriter buffers a handler's response so it can be persisted
// as an IdempotencyRecord once the handler returns.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// idempotent wraps a handler so that a repeated request carrying the same
// Idempotency-Key header against the same endpoint replays the first
// response instead of re-running the handler, per spec.md's "exactly
// once" requirement for the top-up and charge-start endpoints.
func idempotent(da dataaccess.Gateway, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		existing, err := da.GetIdempotencyRecord(r.Context(), key, endpoint)
		if err != nil {
			writeError(w, err)
			return
		}
		if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(existing.ResponseStatus)
			_, _ = w.Write(existing.ResponseBody)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status >= http.StatusInternalServerError {
			return
		}
		_ = da.SaveIdempotencyRecord(r.Context(), billing.IdempotencyRecord{
			Key:            key,
			Endpoint:       endpoint,
			ClientID:       r.Header.Get("X-Client-Id"),
			ResponseStatus: rec.status,
			ResponseBody:   append([]byte(nil), rec.body.Bytes()...),
			CreatedAt:      time.Now(),
		})
	}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}
