// Package api is the out-of-scope read-only HTTP adapter named in §1:
// health, Prometheus metrics, and a storage-backed status summary. It
// holds no business logic of its own — every handler either returns a
// constant or reads straight through to storage/metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

// StatusResponse is the JSON body of GET /status (§6).
type StatusResponse struct {
	LastL2BlockSeen           uint64 `json:"last_l2_block_seen"`
	LastL1BlockSeen           uint64 `json:"last_l1_block_seen"`
	LastL2ToL1EventsBlockSeen uint64 `json:"last_l2_to_l1_events_block_seen"`
	PendingFinalizations      uint64 `json:"pending_finalizations"`
	FinalizedCount            uint64 `json:"finalized_count"`
}

// New builds the chi router. gatherer is typically (*metrics.Metrics).Registry().
func New(store storage.Storage, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", handleStatus(store))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleStatus(store storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := store.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			LastL2BlockSeen:           snap.LastL2BlockSeen,
			LastL1BlockSeen:           snap.LastL1BlockSeen,
			LastL2ToL1EventsBlockSeen: snap.LastL2ToL1EventsBlockSeen,
			PendingFinalizations:      snap.PendingFinalizations,
			FinalizedCount:            snap.FinalizedCount,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the router until ctx is canceled, then shuts the server down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
