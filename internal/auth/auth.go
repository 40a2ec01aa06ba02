package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	appconfig "tickflow/config"
	"tickflow/logger"
)

// ErrInvalidKey is returned when the presented credential is unknown or
// rejected by the verification backend.
var ErrInvalidKey = errors.New("invalid api key")

// Validator checks a client credential and resolves it to a principal. The
// session manager calls it once per connection, inside the auth grace window.
type Validator interface {
	ValidateKey(ctx context.Context, apiKey string) (principal string, err error)
}

// New builds the validator selected by configuration: "static" checks against
// the configured key list, "http" defers to an external verification service.
func New(cfg appconfig.AuthConfig) (Validator, error) {
	switch cfg.Mode {
	case "", "static":
		return newStaticValidator(cfg.APIKeys), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("auth mode http requires a url")
		}
		return newHTTPValidator(cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

type staticValidator struct {
	keys map[string]string
}

func newStaticValidator(keys []appconfig.StaticKey) *staticValidator {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		principal := k.Principal
		if principal == "" {
			principal = "default"
		}
		m[k.Key] = principal
	}
	return &staticValidator{keys: m}
}

func (v *staticValidator) ValidateKey(ctx context.Context, apiKey string) (string, error) {
	principal, ok := v.keys[apiKey]
	if !ok {
		return "", ErrInvalidKey
	}
	return principal, nil
}

type httpValidator struct {
	url    string
	client *http.Client
	log    *logger.Log
}

func newHTTPValidator(cfg appconfig.AuthConfig) *httpValidator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpValidator{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		log:    logger.GetLogger(),
	}
}

type verifyRequest struct {
	APIKey string `json:"api_key"`
}

type verifyResponse struct {
	Valid     bool   `json:"valid"`
	Principal string `json:"principal"`
}

func (v *httpValidator) ValidateKey(ctx context.Context, apiKey string) (string, error) {
	body, err := json.Marshal(verifyRequest{APIKey: apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build verify request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify request: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", ErrInvalidKey
	default:
		return "", fmt.Errorf("verify service returned %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode verify response: %v", err)
	}
	if !out.Valid {
		return "", ErrInvalidKey
	}
	if out.Principal == "" {
		out.Principal = "default"
	}
	return out.Principal, nil
}
