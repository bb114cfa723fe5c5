package admin

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"offline_portfolio/internal/obs"
	"offline_portfolio/internal/proxy"
	"offline_portfolio/internal/worker"
)

const maxDeployBodyBytes = 4 * 1024

type handler struct {
	service     *Service
	auth        *Authenticator
	rateLimiter *RateLimiter
	mux         *http.ServeMux
}

type deployRequest struct {
	Version string `json:"version"`
}

type deployResponse struct {
	Deployed bool          `json:"deployed"`
	Deploy   Deploy        `json:"deploy"`
	Status   worker.Status `json:"status"`
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if requestID == "" {
		requestID = proxy.NewRequestID()
		if requestID == "" {
			requestID = time.Now().UTC().Format("20060102150405.000000000")
		}
		r.Header.Set(proxy.RequestIDHeader, requestID)
	}
	w.Header().Set(proxy.RequestIDHeader, requestID)

	if !h.rateLimiter.Allow(r.RemoteAddr) {
		writeError(w, requestID, http.StatusTooManyRequests, "rate_limited")
		return
	}
	if err := h.auth.Authenticate(r); err != nil {
		h.rateLimiter.RecordFailure(r.RemoteAddr)
		status := http.StatusUnauthorized
		message := "unauthorized"
		var authErr *AuthError
		if errors.As(err, &authErr) {
			status = authErr.Status
			message = authErr.Message
		}
		log.Printf("admin_auth request_id=%s path=%s result=denied reason=%s authorization=%s",
			requestID, r.URL.Path, message, obs.RedactHeaderValue("Authorization", r.Header.Get("Authorization")))
		writeError(w, requestID, status, message)
		return
	}
	h.rateLimiter.ResetFailures(r.RemoteAddr)
	if h.service == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "admin unavailable")
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, requestID, http.StatusOK, h.service.Status())
}

func (h *handler) handleCaches(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	names, err := h.service.Caches()
	if err != nil {
		writeError(w, requestID, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, requestID, http.StatusOK, map[string][]string{"caches": names})
}

func (h *handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDeployBodyBytes+1))
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid body")
		return
	}
	if len(body) > maxDeployBodyBytes {
		writeError(w, requestID, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	var payload deployRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid json")
		return
	}

	entry, err := h.service.Deploy(r.Context(), payload.Version, "admin")
	if err != nil {
		log.Printf("admin_deploy request_id=%s version=%s result=error reason=%v", requestID, payload.Version, err)
		writeError(w, requestID, deployErrorStatus(err), err.Error())
		return
	}
	log.Printf("admin_deploy request_id=%s version=%s result=success", requestID, payload.Version)
	writeJSON(w, requestID, http.StatusOK, deployResponse{Deployed: true, Deploy: entry, Status: h.service.Status()})
}

func (h *handler) handleDeploys(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, requestID, http.StatusOK, map[string][]Deploy{"deploys": h.service.History()})
}

func deployErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidVersion):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrSeedFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, message string) {
	writeJSON(w, requestID, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, requestID string, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(proxy.RequestIDHeader, requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
