// Package client implements the Alma REST API transport used by the batch
// pipeline. HTTP-level failures (4xx/5xx) surface as a status code, never as
// an error, so the orchestrator's per-item isolation holds; only transport
// failures (DNS, connect, timeout) return an error.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tigerroll/almapipo/internal/config"
	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/support/exception"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

const moduleName = "client"

// Client is the remote service transport consumed by the orchestrator.
type Client interface {
	// Fetch retrieves the current record addressed by the identifier chain.
	Fetch(ctx context.Context, chain []string, scope, recordType string) (status int, body []byte, err error)
	// Submit performs the write verb (PUT with a body, DELETE without)
	// against the same identifier chain.
	Submit(ctx context.Context, verb model.Verb, chain []string, scope, recordType string, body []byte) (status int, respBody []byte, err error)
}

// AlmaClient is the production Client backed by the Alma API gateway.
// A client-side rate limiter keeps the request rate below the institutional
// cap so attempts are not burned on 429 responses.
type AlmaClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewAlmaClient builds an AlmaClient from the Alma configuration section.
func NewAlmaClient(cfg *config.Config) (*AlmaClient, error) {
	alma := cfg.Almapipo.Alma
	if alma.BaseURL == "" {
		return nil, exception.NewBatchError(moduleName, "alma.baseUrl is not configured", nil, false, false)
	}
	if alma.APIKey == "" {
		return nil, exception.NewBatchError(moduleName, "alma.apiKey is not configured", nil, false, false)
	}

	rps := alma.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := alma.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := time.Duration(alma.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &AlmaClient{
		baseURL: alma.BaseURL,
		apiKey:  alma.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// Fetch implements Client.
func (c *AlmaClient) Fetch(ctx context.Context, chain []string, scope, recordType string) (int, []byte, error) {
	path, err := recordPath(chain, scope, recordType)
	if err != nil {
		return 0, nil, err
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

// Submit implements Client.
func (c *AlmaClient) Submit(ctx context.Context, verb model.Verb, chain []string, scope, recordType string, body []byte) (int, []byte, error) {
	path, err := recordPath(chain, scope, recordType)
	if err != nil {
		return 0, nil, err
	}

	switch verb {
	case model.VerbPut, model.VerbPost, model.VerbDelete:
		return c.do(ctx, verb.String(), path, body)
	default:
		return 0, nil, exception.NewBatchError(moduleName, fmt.Sprintf("verb %s is not a submit verb", verb), nil, false, false)
	}
}

// do performs one rate-limited HTTP request and reads the full response.
func (c *AlmaClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, exception.NewBatchError(moduleName, "failed to create API request", err, false, false)
	}
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("Authorization", "apikey "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, exception.NewBatchError(moduleName, fmt.Sprintf("%s %s failed", method, path), err, true, true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, exception.NewBatchError(moduleName, fmt.Sprintf("reading response of %s %s", method, path), err, true, true)
	}

	logger.Debugf("%s %s -> %d (%d bytes)", method, path, resp.StatusCode, len(respBody))
	return resp.StatusCode, respBody, nil
}

// recordPath builds the API path for an identifier chain. The switch mirrors
// the Alma URL layout: the chain addresses the ownership hierarchy, most
// specific last.
func recordPath(chain []string, scope, recordType string) (string, error) {
	if len(chain) == 0 {
		return "", exception.NewBatchError(moduleName, "empty identifier chain", nil, false, false)
	}
	id := chain[len(chain)-1]

	switch scope {
	case "bibs":
		switch recordType {
		case "bibs":
			return "/bibs/" + id, nil
		case "holdings":
			if len(chain) < 2 {
				return "", chainTooShort(scope, recordType, 2, chain)
			}
			return "/bibs/" + chain[0] + "/holdings/" + id, nil
		case "items":
			if len(chain) < 3 {
				return "", chainTooShort(scope, recordType, 3, chain)
			}
			return "/bibs/" + chain[0] + "/holdings/" + chain[1] + "/items/" + id, nil
		case "portfolios":
			if len(chain) < 2 {
				return "", chainTooShort(scope, recordType, 2, chain)
			}
			return "/bibs/" + chain[0] + "/portfolios/" + id, nil
		}
	case "electronic":
		switch recordType {
		case "e-collections":
			return "/electronic/e-collections/" + id, nil
		case "e-services":
			if len(chain) < 2 {
				return "", chainTooShort(scope, recordType, 2, chain)
			}
			return "/electronic/e-collections/" + chain[0] + "/e-services/" + id, nil
		case "portfolios":
			if len(chain) < 3 {
				return "", chainTooShort(scope, recordType, 3, chain)
			}
			return "/electronic/e-collections/" + chain[0] + "/e-services/" + chain[1] + "/portfolios/" + id, nil
		}
	case "users":
		if recordType == "users" {
			return "/users/" + id, nil
		}
	case "acq":
		if recordType == "vendors" {
			return "/acq/vendors/" + id, nil
		}
	}

	return "", exception.NewBatchError(moduleName,
		fmt.Sprintf("API scope %q with record type %q is not supported", scope, recordType), nil, false, false)
}

func chainTooShort(scope, recordType string, want int, chain []string) error {
	return exception.NewBatchError(moduleName,
		fmt.Sprintf("record type %s/%s needs an identifier chain of length %d, got %d",
			scope, recordType, want, len(chain)), nil, false, false)
}
