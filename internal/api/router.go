package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nerrad567/onecta-bridge/internal/bridges/onecta"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// OAuth redirect target registered with the identity provider.
	r.Get(s.hookPath+"/{account}", s.handleRedirectHook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)

			r.Route("/{account}", func(r chi.Router) {
				r.Get("/", s.handleGetAccount)
				r.Get("/health", s.handleAccountHealth)
				r.Get("/authorize", s.handleAuthorize)
				r.Delete("/tokens", s.handleClearTokens)
				r.Get("/sites", s.handleListSites)
				r.Get("/discovery", s.handleDiscovery)
				r.Post("/commands", s.handleGatewayCommand)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/state", s.handleGetDeviceState)
				r.Put("/state", s.handleSetDeviceState)
				r.Post("/poll", s.handlePollDevice)
				r.Get("/management-points", s.handleManagementPoints)
			})
		})

		r.Get("/audit", s.handleListAuditLogs)

		r.Get(s.wsPath(), s.handleWebSocket)
	})

	return r
}

// wsPath is the WebSocket route under /api/v1. Default: /ws.
func (s *Server) wsPath() string {
	p := strings.Trim(s.wsCfg.Path, "/")
	if p == "" {
		p = "ws"
	}
	return "/" + p
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Time     time.Time              `json:"time"`
	Accounts []onecta.HealthMessage `json:"accounts"`
}

// handleHealth reports "ok" when every account is healthy and "degraded"
// otherwise. It always answers 200 so load balancers keep routing the hook.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Time:     time.Now().UTC(),
		Accounts: []onecta.HealthMessage{},
	}
	for _, acc := range s.bridge.Accounts() {
		h, err := s.bridge.Health(acc.ID)
		if err != nil {
			continue
		}
		if h.Status != onecta.HealthHealthy {
			resp.Status = "degraded"
		}
		resp.Accounts = append(resp.Accounts, h)
	}
	writeJSON(w, http.StatusOK, resp)
}
