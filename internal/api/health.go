package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/reqtrace/internal/trace"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         trace.Store
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSec      int64  `json:"uptime_sec"`
	StorageDriver  string `json:"storage_driver"`
	StoreAvailable bool   `json:"store_available"`
	TraceCount     int64  `json:"trace_count"`
	DBSizeBytes    int64  `json:"db_size_bytes,omitempty"`
}

// HealthHandler reports process and store health. An unreachable store turns
// the response into a 503 so load balancers can react.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		resp := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
		}
		if options.Store != nil && options.Store.Ping(r.Context()) {
			resp.StoreAvailable = true
			if count, err := options.Store.Count(r.Context(), trace.Filter{}); err == nil {
				resp.TraceCount = count
			}
		}
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				resp.DBSizeBytes = info.Size()
			}
		}

		status := http.StatusOK
		if !resp.StoreAvailable {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})
}
