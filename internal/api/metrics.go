package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler exposes the Prometheus registry in the text exposition format.
func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:      promErrorLogger{s},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// promErrorLogger routes promhttp errors to the structured logger.
type promErrorLogger struct{ s *Server }

func (l promErrorLogger) Println(v ...any) {
	l.s.logger.Warn("metrics gathering error", "error", v)
}
