package health

import (
	"context"
	"net/http"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/fetch"
)

type FailureKind string

const (
	FailureDial    FailureKind = "dial"
	FailureTimeout FailureKind = "timeout"
	FailureStatus  FailureKind = "status"
	FailureProbe   FailureKind = "probe"
	FailureOther   FailureKind = "other"
)

func Classify(err error) FailureKind {
	switch {
	case fetch.IsDialError(err):
		return FailureDial
	case fetch.IsTimeout(err):
		return FailureTimeout
	default:
		return FailureOther
	}
}

// ObserveFetcher reports every network leg to m. Server errors count as
// failures, any other response as proof the origin is up.
func ObserveFetcher(m *Monitor, next fetch.Fetcher) fetch.Fetcher {
	if m == nil {
		return next
	}
	return fetch.FetcherFunc(func(ctx context.Context, req *cache.Request) (*cache.Response, error) {
		resp, err := next.Fetch(ctx, req)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				m.RecordFailure(Classify(err), err)
			}
		case resp.Status >= http.StatusInternalServerError:
			m.RecordFailure(FailureStatus, nil)
		default:
			m.RecordSuccess()
		}
		return resp, err
	})
}
