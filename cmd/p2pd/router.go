package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swarmnode/observability/logging"
	"swarmnode/p2p"
)

type healthStatus struct {
	Status     string `json:"status"`
	NodeID     string `json:"nodeId"`
	Bootstrap  string `json:"bootstrap"`
	Peers      int    `json:"peers"`
	KnownPeers int    `json:"knownPeers"`
	Height     uint64 `json:"height"`

	Network p2p.NetworkHealth `json:"network"`
}

// newRouter serves /healthz, /readyz, /debug/dials and /metrics. Health
// reports 503 until bootstrap leaves the bootstrapping state; readiness
// reports 503 until the node has peers and has caught up with them.
func newRouter(node *p2p.Node, chain p2p.Chain, nodeID string, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		height, _ := chain.Tip()
		state := node.Bootstrapper().State()
		status := healthStatus{
			Status:     "ok",
			NodeID:     nodeID,
			Bootstrap:  string(state),
			Peers:      node.Connections().Count(),
			KnownPeers: node.Store().Len(),
			Height:     height,
			Network:    node.Health(),
		}
		code := http.StatusOK
		if state == p2p.StateBootstrapping {
			status.Status = "starting"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		health := node.Health()
		code := http.StatusOK
		if !health.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})
	r.Get("/debug/dials", func(w http.ResponseWriter, _ *http.Request) {
		failures := node.DialFailures()
		for i := range failures {
			failures[i].Address = logging.MaskValue(failures[i].Address)
		}
		writeJSON(w, http.StatusOK, failures)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
