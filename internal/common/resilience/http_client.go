package resilience

import (
	"fmt"
	"net/http"
)

// BreakerClient sends HTTP requests through a circuit breaker. Transport
// errors and 5xx responses count against the breaker; 4xx responses do not,
// since they indicate a caller problem rather than an upstream outage.
//
// The encoder service and webhook endpoints sit behind one of these so a
// struggling upstream degrades assessments instead of stalling them.
type BreakerClient struct {
	client *http.Client
	cb     *CircuitBreaker
}

// NewBreakerClient wraps client with cb. The breaker is shared, not owned:
// callers keep their handle for health reporting.
func NewBreakerClient(client *http.Client, cb *CircuitBreaker) *BreakerClient {
	return &BreakerClient{client: client, cb: cb}
}

// Do executes the request. Whenever the upstream produced a response it is
// returned with a nil error, even for a 5xx that was counted as a breaker
// failure; the caller owns the body and the status handling. A non-nil error
// means no response exists: the transport failed or the breaker is open.
func (c *BreakerClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.cb.Execute(func() error {
		r, rerr := c.client.Do(req)
		if rerr != nil {
			return rerr
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("upstream status %s", r.Status)
		}
		return nil
	})
	if resp != nil {
		return resp, nil
	}
	return nil, err
}
