package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

// RelicResolver maps a relic's logical name to its endpoint URL, sourced
// from the agent configuration's declared relics (out of scope to parse
// here; the engine only needs name->URL at call time).
type RelicResolver interface {
	ResolveRelic(name string) (url string, ok bool)
}

// RelicAdapter calls a long-running networked service over HTTP. 5xx
// responses and network failures are transient (spec §4.5); 4xx is
// terminal. A token-bucket limiter throttles the outbound call rate so one
// runaway agent can't saturate a relic (SPEC_FULL.md domain stack: rate
// limiting in the dispatcher and here).
type RelicAdapter struct {
	Client   *http.Client
	Resolver RelicResolver
	Limiter  *rate.Limiter
}

func NewRelicAdapter(client *http.Client, resolver RelicResolver, ratePerSecond float64, burst int) *RelicAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &RelicAdapter{Client: client, Resolver: resolver, Limiter: limiter}
}

func (a *RelicAdapter) Invoke(ctx context.Context, name string, parameters map[string]any) (Outcome, error) {
	url, ok := a.Resolver.ResolveRelic(name)
	if !ok {
		return Outcome{Status: action.StatusError, Message: fmt.Sprintf("relic %q not declared", name)}, nil
	}

	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return Outcome{}, err
		}
	}

	body, err := json.Marshal(parameters)
	if err != nil {
		return Outcome{Status: action.StatusError, Message: err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: action.StatusError, Message: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		// Network failure: transient per §4.5.
		return Outcome{Status: action.StatusError, Transient: true, Message: err.Error()}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return Outcome{Status: action.StatusError, Transient: true, Message: fmt.Sprintf("relic %q: %s", name, resp.Status)}, nil
	}
	if resp.StatusCode >= 400 {
		return Outcome{Status: action.StatusError, Message: fmt.Sprintf("relic %q: %s: %s", name, resp.Status, string(respBody))}, nil
	}

	var value any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &value); err != nil {
			value = string(respBody)
		}
	}
	return Outcome{Status: action.StatusOK, Value: value}, nil
}
