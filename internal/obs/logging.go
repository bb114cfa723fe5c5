package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type AccessLogEntry struct {
	Timestamp        string           `json:"ts"`
	RequestID        string           `json:"request_id"`
	Method           string           `json:"method"`
	Host             string           `json:"host"`
	Path             string           `json:"path"`
	Status           int              `json:"status"`
	DurationMS       int64            `json:"duration_ms"`
	BytesIn          int64            `json:"bytes_in"`
	BytesOut         int64            `json:"bytes_out"`
	ErrorCategory    string           `json:"error_category"`
	CacheStatus      string           `json:"cache_status"`
	WorkerVersion    string           `json:"worker_version"`
	ClientID         string           `json:"client_id,omitempty"`
	ClientControlled bool             `json:"client_controlled"`
	UserAgent        string           `json:"user_agent,omitempty"`
	RemoteAddr       string           `json:"remote_addr,omitempty"`
	PhasesMS         map[string]int64 `json:"phases_ms,omitempty"`
}

var (
	accessLogMu  sync.Mutex
	accessLogOut io.Writer = os.Stdout
)

// SetAccessLogOutput redirects access log lines; nil restores stdout.
func SetAccessLogOutput(w io.Writer) {
	accessLogMu.Lock()
	defer accessLogMu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	accessLogOut = w
}

func LogAccess(ctx RequestContext) {
	entry := AccessLogEntry{
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:        defaultString(ctx.RequestID, "none"),
		Method:           ctx.Method,
		Host:             ctx.Host,
		Path:             ctx.Path,
		Status:           ctx.Status,
		DurationMS:       ctx.Duration.Milliseconds(),
		BytesIn:          ctx.BytesIn,
		BytesOut:         ctx.BytesOut,
		ErrorCategory:    defaultString(ctx.ErrorCategory, "none"),
		CacheStatus:      defaultString(ctx.CacheStatus, "bypass"),
		WorkerVersion:    defaultString(ctx.WorkerVersion, "none"),
		ClientID:         ctx.ClientID,
		ClientControlled: ctx.ClientControlled,
		UserAgent:        ctx.UserAgent,
		RemoteAddr:       ctx.RemoteAddr,
		PhasesMS:         ctx.Phases,
	}

	accessLogMu.Lock()
	defer accessLogMu.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		_, _ = fmt.Fprintf(accessLogOut, "log_marshal_error request_id=%s error=%v\n", entry.RequestID, err)
		return
	}
	_, _ = accessLogOut.Write(append(data, '\n'))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func RedactHeaderValue(name, value string) string {
	if name == "" {
		return value
	}
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}
