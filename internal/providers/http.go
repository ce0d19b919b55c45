package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/i474232898/digitaltwin-dataspace/internal/component"
)

// Transform reshapes a raw upstream payload before it is stored. Returning
// nil bytes means the provider had nothing new.
type Transform func(raw []byte) ([]byte, error)

// Endpoint describes a producer that GETs one URL on every tick.
type Endpoint struct {
	Schedule  string
	Config    component.Configuration
	URL       string
	Header    http.Header
	Transform Transform
}

// HTTPProducer implements component.Producer for a single Endpoint.
type HTTPProducer struct {
	endpoint Endpoint
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker
}

func NewHTTPProducer(client *http.Client, e Endpoint) *HTTPProducer {
	return &HTTPProducer{
		endpoint: e,
		httpCfg:  HTTPClientConfig{Client: client, Backoff: DefaultBackoff},
		circuit:  newCircuitBreaker(e.Config.Name),
	}
}

func (p *HTTPProducer) Schedule() string { return p.endpoint.Schedule }

func (p *HTTPProducer) Configuration() component.Configuration { return p.endpoint.Config }

func (p *HTTPProducer) Collect(ctx context.Context) component.Result {
	body, err := fetch(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint.URL, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range p.endpoint.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	})
	if err != nil {
		return component.Failed(fmt.Errorf("%s: %w", p.endpoint.Config.Name, err))
	}

	if p.endpoint.Transform != nil {
		body, err = p.endpoint.Transform(body)
		if err != nil {
			return component.Failed(fmt.Errorf("%s: malformed payload: %w", p.endpoint.Config.Name, err))
		}
		if body == nil {
			return component.Empty()
		}
	}
	return component.Data(body)
}
