// Package serve exposes the preview, snapshot, session and metrics endpoints
// of camrecv.
package serve

import (
	"html/template"
	"net/http"
	"os"

	"github.com/gorilla/handlers"

	"camfeed/metrics"
	"camfeed/video/sink"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<img src="/mjpeg" alt="live preview">
<p><a href="/snapshot">snapshot</a> | <a href="/sessions">sessions</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`))

type Options struct {
	Title   string
	Preview *sink.MJPEGStream
	Status  *StatusUpdater
	// Sessions defaults to Status when nil.
	Sessions SessionLister
	// Healthy reports the health of the inference stage.
	Healthy func() bool
}

// NewHandler builds the HTTP handler with access logging and panic recovery.
func NewHandler(o Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		indexTmpl.Execute(w, o)
	})
	if o.Preview != nil {
		mux.Handle("/mjpeg", o.Preview)
		mux.Handle("/snapshot", o.Preview.SnapshotHandler())
	}
	if o.Status != nil {
		mux.Handle("/statusws", o.Status)
	}
	sessions := o.Sessions
	if sessions == nil && o.Status != nil {
		sessions = o.Status
	}
	if sessions != nil {
		mux.Handle("/sessions", &SessionServer{Sessions: sessions})
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if o.Healthy != nil && !o.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", metrics.Handler())

	return handlers.RecoveryHandler()(handlers.LoggingHandler(os.Stdout, mux))
}
