package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fastp2p/p2p"
	"fastp2p/p2p/peerbook"
)

// Source exposes the node state served by the admin router.
type Source interface {
	ID() string
	PeerInfos() []p2p.PeerInfo
	PeerBook() *peerbook.PeerBook
}

type healthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"nodeId"`
	Peers  int    `json:"peers"`
}

type peerBookResponse struct {
	Known int              `json:"known"`
	Peers []peerbook.Entry `json:"peers"`
}

// NewRouter builds the admin HTTP handler for src.
func NewRouter(src Source) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status: "ok",
			NodeID: src.ID(),
			Peers:  len(src.PeerInfos()),
		})
	})
	r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.PeerInfos())
	})
	r.Get("/peerbook", func(w http.ResponseWriter, _ *http.Request) {
		book := src.PeerBook()
		if book == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "peer book unavailable"})
			return
		}
		entries := book.AllPeers()
		writeJSON(w, http.StatusOK, peerBookResponse{Known: len(entries), Peers: entries})
	})
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "fastp2p-admin")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
