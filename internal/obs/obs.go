package obs

import "time"

type RequestContext struct {
	RequestID        string
	Method           string
	Host             string
	Path             string
	Status           int
	Duration         time.Duration
	BytesIn          int64
	BytesOut         int64
	ErrorCategory    string
	CacheStatus      string
	WorkerVersion    string
	ClientID         string
	ClientControlled bool
	UserAgent        string
	RemoteAddr       string
	Phases           map[string]int64
}
