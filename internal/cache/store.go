package cache

import (
	"errors"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrStoreMissing  = errors.New("cache store not initialized")
	ErrObjectTooBig  = errors.New("cache entry exceeds max object bytes")
	ErrStoreNotFound = errors.New("cache store not found")
)

// Request is the identity of an intercepted read plus the headers forwarded
// to the network leg.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Response is a fully buffered response snapshot. Bodies are plain bytes so a
// response can be duplicated with Clone before being handed to more than one
// consumer.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt time.Time
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		URL:      r.URL,
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		clone.Body = make([]byte, len(r.Body))
		copy(clone.Body, r.Body)
	}
	return clone
}

// OK reports whether the response may be written into a store.
func (r *Response) OK() bool {
	return r != nil && r.Status == http.StatusOK
}

type Store interface {
	Get(key string) (*Response, bool)
	Set(key string, resp *Response) error
	Delete(key string)
	Keys() []string
	Len() int
}

// Backend creates, enumerates and drops named stores.
type Backend interface {
	Open(name string) (Store, error)
	Names() ([]string, error)
	Remove(name string) error
}
