package llm

import (
	"context"
	"fmt"
	"net/http"
)

// GatewayBackend routes completions through a mediating gateway service
// instead of calling a provider directly -- the same wire shape
// (OpenAI-compatible chat/completions, SSE streaming) but addressed at the
// gateway's URL and carrying a route header so the gateway can pick the
// downstream provider/credential itself. Delegates all the actual
// HTTP/SSE mechanics to an embedded HTTPBackend rather than duplicating
// them, since the two only differ in the outbound request's headers.
type GatewayBackend struct {
	*HTTPBackend
	route string
}

// NewGatewayBackend builds a gateway-mediated backend. cfg.BaseURL must
// point at the gateway, not the upstream provider; cfg.APIKey authenticates
// against the gateway itself.
func NewGatewayBackend(cfg Config) *GatewayBackend {
	inner := NewHTTPBackend(cfg)
	inner.client.Transport = routeInjectingTransport{
		route: cfg.GatewayRoute,
		next:  httpTransportOrDefault(inner.client.Transport),
	}
	return &GatewayBackend{HTTPBackend: inner, route: cfg.GatewayRoute}
}

func httpTransportOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}

// routeInjectingTransport adds the gateway route header to every outbound
// request without HTTPBackend needing to know it's talking to a gateway.
type routeInjectingTransport struct {
	route string
	next  http.RoundTripper
}

func (t routeInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.route != "" {
		req.Header.Set("X-Cortex-Gateway-Route", t.route)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("llm: gateway transport: %w", err)
	}
	return resp, nil
}
