package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/onecta-bridge/internal/audit"
	"github.com/nerrad567/onecta-bridge/internal/bridges/onecta"
)

// handleRedirectHook completes the authorisation code flow for the account
// named in the path. The identity provider's browser redirect lands here, so
// the reply is a short plain-text message rather than JSON.
func (s *Server) handleRedirectHook(w http.ResponseWriter, r *http.Request) {
	acc, err := s.bridge.Account(chi.URLParam(r, "account"))
	if err != nil {
		http.Error(w, "Error: Unknown account!", http.StatusNotFound)
		return
	}

	status, message := acc.Flow.ServeRedirect(r.Context(), r.URL.Query())
	s.logger.Info("authorization redirect handled", "account", acc.ID, "status", status)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message)) //nolint:errcheck // best-effort reply to a browser
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts := s.bridge.Accounts()
	out := make([]onecta.AccountStatus, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": out,
		"count":    len(out),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.account(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, acc.Status())
}

func (s *Server) handleAccountHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.bridge.Health(chi.URLParam(r, "account"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleAuthorize returns the URL an operator opens to grant access.
// With ?redirect=true the browser is sent there directly.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.account(w, r)
	if !ok {
		return
	}
	authURL, err := acc.Flow.AuthorizationURL()
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":          authURL,
		"redirect_uri": acc.Flow.RedirectURI(),
	})
}

// handleClearTokens forgets the account's tokens. The account needs a new
// authorisation before it can reach the cloud again.
func (s *Server) handleClearTokens(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.account(w, r)
	if !ok {
		return
	}
	if err := acc.Vault.Clear(r.Context()); err != nil {
		s.logger.Error("clearing tokens failed", "account", acc.ID, "error", err)
		writeInternalError(w, "failed to clear tokens")
		return
	}
	s.logger.Info("tokens cleared", "account", acc.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListSites passes the cloud's site list through unchanged.
func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.account(w, r)
	if !ok {
		return
	}
	resp, err := acc.Gateway.ListSites(r.Context())
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Body)
}

// handleGatewayCommand runs a raw command envelope. A cloud reply with an
// unexpected status still answers 200; the envelope carries the cloud's
// status code.
func (s *Server) handleGatewayCommand(w http.ResponseWriter, r *http.Request) {
	var cmd onecta.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.Name == "" {
		writeBadRequest(w, "command is required")
		return
	}

	resp, err := s.bridge.Dispatch(r.Context(), chi.URLParam(r, "account"), cmd, audit.SourceAPI)
	if err != nil && !(errors.Is(err, onecta.ErrUnexpectedStatus) && resp.HTTPStatus != 0) {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	result, err := s.bridge.Discover(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// account resolves the {account} path parameter, writing a 404 on failure.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (*onecta.Account, bool) {
	acc, err := s.bridge.Account(chi.URLParam(r, "account"))
	if err != nil {
		writeBridgeError(w, err)
		return nil, false
	}
	return acc, true
}
