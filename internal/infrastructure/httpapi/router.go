package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"avmed-detection/internal/infrastructure/config"
	obs "avmed-detection/internal/infrastructure/observability"
	"avmed-detection/internal/usecase"
)

type Deps struct {
	Cfg     config.Config
	Logger  *zerolog.Logger
	Metrics *obs.Metrics
	Svc     *usecase.DetectionService
	Repo    usecase.SessionRepository
	Monitor *MonitorHub
}

func NewRouter(d *Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    "avmed-detection",
			"version": obs.Version,
			"commit":  obs.Commit,
			"time":    time.Now().UTC(),
		})
	})

	mux.HandleFunc("/api/sessions", d.handleListSessions)
	mux.HandleFunc("/api/sessions/", d.handleSessionByID)
	mux.HandleFunc("/api/frames", d.handleSubmitFrame)
	mux.HandleFunc("/api/detections", d.handleLatestDetections)
	mux.HandleFunc("/api/monitor/ws", d.Monitor.HandleWS)

	return mux
}
