package proxy

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/limits"
	"offline_portfolio/internal/obs"
	"offline_portfolio/internal/runtime"
	"offline_portfolio/internal/worker"
)

const (
	ClientCookie   = "portfolio_client"
	ClientIDHeader = "X-Client-Id"
	CacheHeader    = "X-Cache"
	VersionHeader  = "X-Worker-Version"
)

// Handler is the interception boundary. Reads from controlled clients go
// through the controlling worker. Everything else is forwarded to the origin
// untouched.
type Handler struct {
	Registration *worker.Registration
	Engine       *Engine
	Metrics      *obs.Metrics
	Limits       limits.Limits
	Inflight     *runtime.InflightTracker
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Engine == nil {
		http.Error(w, "proxy not ready", http.StatusServiceUnavailable)
		return
	}
	start := time.Now()
	h.Inflight.Inc()
	defer h.Inflight.Dec()

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = NewRequestID()
	}
	ctx := obs.StartTrace(r.Context(), r.Header)
	r = r.WithContext(ctx)
	recorder := NewResponseRecorder(w)

	entry := obs.RequestContext{
		RequestID:  requestID,
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
	if r.ContentLength > 0 {
		entry.BytesIn = r.ContentLength
	}
	cacheStatus := string(worker.OutcomeBypass)
	defer func() {
		entry.Status = recorder.Status()
		entry.Duration = time.Since(start)
		entry.BytesOut = recorder.BytesWritten()
		entry.ErrorCategory = recorder.ErrorCategory()
		entry.CacheStatus = cacheStatus
		entry.Phases = obs.Phases(ctx)
		h.Metrics.ObserveRequest(cacheStatus, entry.Status, entry.Duration)
		obs.LogAccess(entry)
	}()

	if violation := h.Limits.Check(r); violation.Category != "" {
		WriteProxyError(recorder, requestID, violation.Status, violation.Category, violation.Message)
		return
	}
	h.Limits.LimitBody(recorder, r)

	clientID, known := h.clientID(recorder, r)
	var controller *worker.Worker
	if known {
		controller = h.Registration.Connect(clientID)
	}
	entry.ClientID = clientID
	entry.ClientControlled = controller != nil
	if controller == nil || r.Method != http.MethodGet {
		h.Engine.Forward(recorder, r, requestID)
		return
	}
	entry.WorkerVersion = controller.Version()

	req := &cache.Request{Method: r.Method, URL: h.Engine.Target(r), Header: r.Header.Clone()}
	resp, outcome, err := controller.Fetch(ctx, req)
	if errors.Is(err, worker.ErrNotActive) || errors.Is(err, worker.ErrNotIntercepted) {
		h.Engine.Forward(recorder, r, requestID)
		return
	}
	cacheStatus = string(outcome)
	if err != nil || resp == nil {
		if isClientCanceled(ctx) {
			return
		}
		WriteProxyError(recorder, requestID, http.StatusBadGateway, "network_failed", "network request failed and nothing is cached")
		return
	}
	writeResponse(recorder, resp, requestID, outcome, controller.Version())
}

// clientID reads the client identity from the header or cookie. First-time
// browsers get a minted cookie and stay uncontrolled until they send it
// back, so one-off requests never enter the client table.
func (h *Handler) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id, true
	}
	if cookie, err := r.Cookie(ClientCookie); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	id := NewRequestID()
	if id == "" {
		return "", false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, false
}

func writeResponse(w http.ResponseWriter, resp *cache.Response, requestID string, outcome worker.Outcome, version string) {
	header := w.Header()
	copyHeaders(header, resp.Header)
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	header.Set(RequestIDHeader, requestID)
	header.Set(CacheHeader, string(outcome))
	header.Set(VersionHeader, version)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
