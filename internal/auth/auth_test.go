package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	appconfig "tickflow/config"
)

func TestStaticValidator(t *testing.T) {
	v, err := New(appconfig.AuthConfig{
		Mode: "static",
		APIKeys: []appconfig.StaticKey{
			{Key: "key-1", Principal: "alice"},
			{Key: "key-2"},
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	principal, err := v.ValidateKey(context.Background(), "key-1")
	if err != nil || principal != "alice" {
		t.Fatalf("got %q, %v", principal, err)
	}
	principal, err = v.ValidateKey(context.Background(), "key-2")
	if err != nil || principal != "default" {
		t.Fatalf("got %q, %v", principal, err)
	}
	if _, err := v.ValidateKey(context.Background(), "nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestHTTPValidator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			APIKey string `json:"api_key"`
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req.APIKey {
		case "good":
			w.Write([]byte(`{"valid":true,"principal":"bob"}`))
		case "denied":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.Write([]byte(`{"valid":false}`))
		}
	}))
	defer srv.Close()

	v, err := New(appconfig.AuthConfig{Mode: "http", URL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	principal, err := v.ValidateKey(context.Background(), "good")
	if err != nil || principal != "bob" {
		t.Fatalf("got %q, %v", principal, err)
	}
	if _, err := v.ValidateKey(context.Background(), "denied"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := v.ValidateKey(context.Background(), "soft-reject"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(appconfig.AuthConfig{Mode: "http"}); err == nil {
		t.Fatal("http mode without url must fail")
	}
	if _, err := New(appconfig.AuthConfig{Mode: "ldap"}); err == nil {
		t.Fatal("unknown mode must fail")
	}
}
