package metrics

import (
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPMetricsMiddleware records request counts, latency and consumed body
// size for one mux route. pattern is the ServeMux pattern the handler is
// registered under, e.g. "GET /api/v1/scores/{wallet}". Its path part becomes
// the handler label, so per-wallet URLs share one series.
func HTTPMetricsMiddleware(m *Metrics, pattern string) func(http.Handler) http.Handler {
	route := routeLabel(pattern)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			var body *countingBody
			if r.Body != nil && r.Body != http.NoBody {
				body = &countingBody{ReadCloser: r.Body}
				r.Body = body
			}

			next.ServeHTTP(rec, r)

			m.RecordHTTPRequest(route, r.Method, rec.status(), time.Since(start).Seconds())
			if body != nil {
				m.RecordHTTPRequestBytes(route, body.n)
			}
		})
	}
}

// routeLabel strips the method and host from a mux pattern.
func routeLabel(pattern string) string {
	p := strings.TrimSpace(pattern)
	if _, path, ok := strings.Cut(p, " "); ok {
		p = strings.TrimSpace(path)
	}
	if i := strings.Index(p, "/"); i > 0 {
		p = p[i:]
	}
	if p == "" {
		return "/"
	}
	return p
}

// statusRecorder remembers the first status code written. A handler that
// writes a body without calling WriteHeader responds 200.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusRecorder) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

type countingBody struct {
	io.ReadCloser
	n int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

// Timer returns a func that reports the seconds elapsed since start.
//
//	defer metrics.Timer(time.Now(), func(d float64) {
//	    m.RecordStageDuration("score", d)
//	})()
func Timer(start time.Time, recordFunc func(float64)) func() {
	return func() {
		recordFunc(time.Since(start).Seconds())
	}
}
