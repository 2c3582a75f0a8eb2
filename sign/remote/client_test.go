package remote

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/georgepadayatti/signflow/sign/signtest"
	"golang.org/x/crypto/ocsp"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:      srv.URL + "/",
		ClientID:     "client",
		ClientSecret: "secret",
		ProfileID:    "profile",
		RetryBackoff: time.Millisecond,
	})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Errorf("Failed to decode request body: %v", err)
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{BaseURL: "https://signing.example/"})
	cfg := c.Config()
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.RetryBackoff != 500*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 500ms", cfg.RetryBackoff)
	}
	if cfg.BaseURL != "https://signing.example" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath || r.Method != http.MethodPost {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		body := decodeBody(t, r)
		for key, want := range map[string]string{
			"client_id": "client", "client_secret": "secret", "profile_id": "profile", "user_id": "user-1",
		} {
			if body[key] != want {
				t.Errorf("%s = %v, want %s", key, body[key], want)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "tok"})
	}))

	token, err := c.Login(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token != "tok" {
		t.Errorf("token = %q, want tok", token)
	}
}

func TestLoginEmptyToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	if _, err := c.Login(context.Background(), "user-1"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("client_id") != "client" {
			t.Errorf("Unexpected form %v", r.PostForm)
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "app", "token_type": "Bearer", "expires_in": 3600})
	}))

	tok, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if tok.AccessToken != "app" || tok.ExpiresIn != 3600 {
		t.Errorf("Unexpected token %+v", tok)
	}
}

func TestListCertificates(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	chain := []string{
		base64.StdEncoding.EncodeToString(s.Cert.Raw),
		base64.StdEncoding.EncodeToString(s.CA.Raw),
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		body := decodeBody(t, r)
		if body["certificates"] != "chain" || body["certInfo"] != true {
			t.Errorf("Unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"credential_id": "b-cred", "cert": map[string]any{"certificates": chain}},
			{"credential_id": "a-cred", "cert": map[string]any{"certificates": chain[:1]}},
			{"credential_id": "empty", "cert": map[string]any{}},
		})
	}))

	creds, err := c.ListCertificates(context.Background(), "tok", "user-1")
	if err != nil {
		t.Fatalf("ListCertificates failed: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("Expected 2 credentials, got %d", len(creds))
	}
	if len(creds["b-cred"]) != 2 || creds["b-cred"][0].Subject.CommonName != "Signer" {
		t.Error("Expected signer-first chain for b-cred")
	}

	id, selected, err := SelectCredential(creds)
	if err != nil {
		t.Fatalf("SelectCredential failed: %v", err)
	}
	if id != "a-cred" || len(selected) != 1 {
		t.Errorf("SelectCredential = %s (%d certs), want a-cred", id, len(selected))
	}
}

func TestListCertificatesNotEnrolled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "no credential"})
	}))

	creds, err := c.ListCertificates(context.Background(), "tok", "user-1")
	if err != nil {
		t.Fatalf("ListCertificates failed: %v", err)
	}
	if _, _, err := SelectCredential(creds); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("Expected ErrNoCertificate, got %v", err)
	}
}

func TestListCertificatesMalformed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"credential_id": "x", "cert": map[string]any{"certificates": []string{"!!"}}},
		})
	}))
	if _, err := c.ListCertificates(context.Background(), "tok", "user-1"); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestSignHash(t *testing.T) {
	tests := []struct {
		name     string
		digest   []byte
		wantAlgo string
	}{
		{"sha256", make([]byte, 32), OIDSHA256},
		{"sha1", make([]byte, 20), OIDSHA1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != signHashPath {
					t.Errorf("Unexpected path %s", r.URL.Path)
				}
				body := decodeBody(t, r)
				if body["hashAlgo"] != tt.wantAlgo {
					t.Errorf("hashAlgo = %v, want %s", body["hashAlgo"], tt.wantAlgo)
				}
				if body["signAlgo"] != OIDRSAEncryption || body["async"] != float64(2) || body["credentialID"] != "cred" {
					t.Errorf("Unexpected body %v", body)
				}
				if body["numSignatures"] != float64(1) {
					t.Errorf("numSignatures = %v, want 1", body["numSignatures"])
				}
				hashes, _ := body["hash"].([]any)
				if len(hashes) != 1 || hashes[0] != base64.StdEncoding.EncodeToString(tt.digest) {
					t.Errorf("hash = %v", body["hash"])
				}
				docs, _ := body["documents"].([]any)
				if len(docs) != 1 {
					t.Errorf("documents = %v", body["documents"])
				}
				writeJSON(w, http.StatusOK, map[string]string{"transactionId": "tx-1"})
			}))

			tx, err := c.SignHash(context.Background(), "tok", "cred", [][]byte{tt.digest}, DocumentRef{ID: "DOC-1", Name: "Contract"})
			if err != nil {
				t.Fatalf("SignHash failed: %v", err)
			}
			if tx != "tx-1" {
				t.Errorf("transaction = %q, want tx-1", tx)
			}
		})
	}
}

func TestSignHashProviderError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"error": "invalid_credential", "error_description": "locked"})
	}))

	_, err := c.SignHash(context.Background(), "tok", "cred", [][]byte{make([]byte, 32)}, DocumentRef{})
	if !errors.Is(err, ErrSignHashFailed) {
		t.Fatalf("Expected ErrSignHashFailed, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_credential" {
		t.Errorf("Expected APIError with provider code, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	sig := []byte{1, 2, 3, 4}
	tests := []struct {
		name    string
		payload string
		code    int
		sigs    int
		wantErr error
	}{
		{"signed", `{"status":1,"signatures":["` + base64.StdEncoding.EncodeToString(sig) + `"]}`, 1, 1, nil},
		{"string code", `{"status":"4002"}`, 4002, 0, nil},
		{"pending", `{"status":0}`, 0, 0, nil},
		{"missing status", `{}`, 0, 0, ErrMalformedResponse},
		{"bad signature", `{"status":1,"signatures":["!!"]}`, 0, 0, ErrMalformedResponse},
		{"not json", `<html>`, 0, 0, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body := decodeBody(t, r)
				if body["transactionId"] != "tx-1" {
					t.Errorf("transactionId = %v", body["transactionId"])
				}
				w.Write([]byte(tt.payload))
			}))

			res, err := c.GetStatus(context.Background(), "tok", "tx-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrStatusFailed) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetStatus failed: %v", err)
			}
			if res.Code != tt.code || len(res.Signatures) != tt.sigs {
				t.Errorf("GetStatus = %+v", res)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{1, OutcomeSigned},
		{4001, OutcomeTimeout},
		{4002, OutcomeRejected},
		{4004, OutcomeFailed},
		{50000, OutcomeFailed},
		{0, OutcomePending},
		{9999, OutcomePending},
	}
	for _, tt := range tests {
		if got := Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
	if OutcomePending.Terminal() || !OutcomeRejected.Terminal() {
		t.Error("Unexpected Terminal result")
	}
}

func TestRetries(t *testing.T) {
	t.Run("retries 5xx", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"access_token": "tok"})
		}))
		if _, err := c.Login(context.Background(), "u"); err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		_, err := c.Login(context.Background(), "u")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
			t.Errorf("Expected APIError 502, got %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
	})

	t.Run("does not retry 4xx", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}))
		if _, err := c.Login(context.Background(), "u"); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("Expected ErrAuthFailed, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("does not retry hash signing", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		_, err := c.SignHash(context.Background(), "tok", "cred", [][]byte{make([]byte, 32)}, DocumentRef{ID: "DOC-1"})
		if !errors.Is(err, ErrSignHashFailed) {
			t.Errorf("Expected ErrSignHashFailed, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("retries status polling", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": 0})
		}))
		if _, err := c.GetStatus(context.Background(), "tok", "tx-1"); err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
	})

	t.Run("negative max retries disables retries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)
		c := NewClient(Config{BaseURL: srv.URL, MaxRetries: -1})
		c.sleep = func(context.Context, time.Duration) error { return nil }
		if _, err := c.Login(context.Background(), "u"); err == nil {
			t.Error("Expected error")
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("zero max retries takes the default", func(t *testing.T) {
		if got := NewClient(Config{}).Config().MaxRetries; got != DefaultConfig().MaxRetries {
			t.Errorf("MaxRetries = %d, want %d", got, DefaultConfig().MaxRetries)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		c.sleep = sleepContext
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := c.Login(ctx, "u"); err == nil {
			t.Error("Expected error for cancelled context")
		}
		if calls.Load() > 1 {
			t.Errorf("calls = %d, want at most 1", calls.Load())
		}
	})
}

func TestCheckRevocation(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")

	responder := func(status int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("Failed to read OCSP request: %v", err)
				return
			}
			req, err := ocsp.ParseRequest(raw)
			if err != nil {
				t.Errorf("Failed to parse OCSP request: %v", err)
				return
			}
			now := time.Now()
			resp, err := ocsp.CreateResponse(s.CA, s.CA, ocsp.Response{
				Status:       status,
				SerialNumber: req.SerialNumber,
				ThisUpdate:   now.Add(-time.Minute),
				NextUpdate:   now.Add(time.Hour),
				RevokedAt:    now.Add(-time.Hour),
			}, s.CAKey())
			if err != nil {
				t.Errorf("Failed to create OCSP response: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/ocsp-response")
			w.Write(resp)
		}
	}

	tests := []struct {
		name   string
		status int
		want   RevocationStatus
	}{
		{"good", ocsp.Good, RevocationGood},
		{"revoked", ocsp.Revoked, RevocationRevoked},
		{"unknown", ocsp.Unknown, RevocationUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(responder(tt.status))
			defer srv.Close()

			cert := *s.Cert
			cert.OCSPServer = []string{srv.URL}
			c := NewClient(Config{})
			got, err := c.CheckRevocation(context.Background(), &cert, s.CA)
			if err != nil {
				t.Fatalf("CheckRevocation failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckRevocation = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("no responder", func(t *testing.T) {
		cert := &x509.Certificate{SerialNumber: big.NewInt(9)}
		got, err := NewClient(Config{}).CheckRevocation(context.Background(), cert, s.CA)
		if err != nil || got != RevocationUnknown {
			t.Errorf("CheckRevocation = %v, %v; want unknown", got, err)
		}
	})

	t.Run("responder down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		cert := *s.Cert
		cert.OCSPServer = []string{srv.URL}
		if _, err := NewClient(Config{}).CheckRevocation(context.Background(), &cert, s.CA); !errors.Is(err, ErrOCSPFailed) {
			t.Errorf("Expected ErrOCSPFailed, got %v", err)
		}
	})
}
