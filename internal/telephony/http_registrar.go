package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRegistrar registers numbers over the voice-AI provider's REST API:
//
//	POST   {base}/v1/numbers        {"phone_number","tenant_id"} -> {"id"}
//	DELETE {base}/v1/numbers/{id}
//	GET    {base}/healthz
type HTTPRegistrar struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPRegistrar(baseURL, apiKey string, timeout time.Duration) (*HTTPRegistrar, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("telephony: invalid base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRegistrar{
		baseURL: strings.TrimRight(u.String(), "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (r *HTTPRegistrar) Name() string { return "voiceai-http" }

func (r *HTTPRegistrar) HealthCheck(ctx context.Context) error {
	resp, err := r.do(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerError("health", resp)
	}
	return nil
}

func (r *HTTPRegistrar) RegisterNumber(ctx context.Context, req RegisterNumberRequest) (RegisterNumberResult, error) {
	if err := req.validate(); err != nil {
		return RegisterNumberResult{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return RegisterNumberResult{}, err
	}

	// The provider dedupes on this key, so a retried register returns the same id.
	resp, err := r.do(ctx, http.MethodPost, "/v1/numbers", body, req.TenantID+":"+req.PhoneNumber)
	if err != nil {
		return RegisterNumberResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return RegisterNumberResult{}, providerError("register", resp)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return RegisterNumberResult{}, fmt.Errorf("telephony: register: decode response: %w", err)
	}
	if out.ID == "" {
		return RegisterNumberResult{}, errors.New("telephony: register: provider returned no id")
	}
	return RegisterNumberResult{ExternalRef: out.ID}, nil
}

func (r *HTTPRegistrar) DeregisterNumber(ctx context.Context, externalRef string) error {
	if externalRef == "" {
		return ErrInvalidRequest
	}
	resp, err := r.do(ctx, http.MethodDelete, "/v1/numbers/"+url.PathEscape(externalRef), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return providerError("deregister", resp)
	}
}

func (r *HTTPRegistrar) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func providerError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &ProviderError{Op: op, Status: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
}
