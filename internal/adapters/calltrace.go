package adapters

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
)

// CallTrace records whether a provider request left the process and whether
// a response arrived. It lets a cancelled invocation report if the side
// effect may have happened.
type CallTrace struct {
	requests  atomic.Int32
	sent      atomic.Bool
	confirmed atomic.Bool
}

// Sent reports whether at least one request was written to the network.
func (t *CallTrace) Sent() bool {
	return t != nil && t.sent.Load()
}

// Confirmed reports whether a response was received for a sent request.
func (t *CallTrace) Confirmed() bool {
	return t != nil && t.confirmed.Load()
}

// Requests returns how many requests were started.
func (t *CallTrace) Requests() int {
	if t == nil {
		return 0
	}
	return int(t.requests.Load())
}

type callTraceKey struct{}

// WithCallTrace returns a context carrying a new CallTrace.
func WithCallTrace(ctx context.Context) (context.Context, *CallTrace) {
	t := &CallTrace{}
	return context.WithValue(ctx, callTraceKey{}, t), t
}

// CallTraceFromContext returns the CallTrace of ctx, or nil.
func CallTraceFromContext(ctx context.Context) *CallTrace {
	t, _ := ctx.Value(callTraceKey{}).(*CallTrace)
	return t
}

// traceTransport feeds request progress into the context's CallTrace.
type traceTransport struct {
	base http.RoundTripper
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ct := CallTraceFromContext(req.Context())
	if ct == nil {
		return t.base.RoundTrip(req)
	}

	ct.requests.Add(1)
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				ct.sent.Store(true)
			}
		},
		GotFirstResponseByte: func() {
			ct.confirmed.Store(true)
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := t.base.RoundTrip(req)
	if err == nil {
		ct.sent.Store(true)
		ct.confirmed.Store(true)
	}
	return resp, err
}
