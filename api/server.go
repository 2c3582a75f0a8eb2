// Package api exposes the signing workflow over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/georgepadayatti/signflow/sign/remote"
	"github.com/georgepadayatti/signflow/workflow"
)

// UserIDHeader identifies the calling user. Authentication happens in
// front of the service.
const UserIDHeader = "X-User-ID"

// Workflow is the part of *workflow.Orchestrator the API calls.
type Workflow interface {
	StartSign(ctx context.Context, documentID, requesterID string) (*workflow.Document, error)
	Sign(ctx context.Context, documentID, callerID string) (*workflow.SignResult, error)
	DefineSigningFlow(ctx context.Context, documentID, requesterID string, entries []workflow.FlowEntry) ([]*workflow.DocumentSignature, error)
	AttachSignatureFile(ctx context.Context, documentID string, asset workflow.Asset, data []byte) (*workflow.Asset, error)
	Signatures(ctx context.Context, documentID string) ([]*workflow.DocumentSignature, error)
	HandleSigningWebhook(ctx context.Context, transactionID, actorID string) (*workflow.WebhookResult, error)
	Preview(ctx context.Context, assetID, requesterID string) (*workflow.Preview, error)
	DownloadURL(ctx context.Context, assetID string, ttl time.Duration) (string, error)
}

var _ Workflow = (*workflow.Orchestrator)(nil)

// Authenticator obtains a client-credentials token from the provider.
// *remote.Client implements it.
type Authenticator interface {
	Authenticate(ctx context.Context) (*remote.TokenResponse, error)
}

var _ Authenticator = (*remote.Client)(nil)

// Options configures a Server.
type Options struct {
	// MaxBodyBytes caps JSON request bodies. Default: 1MB
	MaxBodyBytes int64
	// MaxUploadBytes caps signature file uploads. Default: 32MB
	MaxUploadBytes int64
	// PresignTTL is the default download URL lifetime. Default: 15m
	PresignTTL time.Duration
	// RequestTimeout bounds each request. Zero disables it.
	RequestTimeout time.Duration
}

// Server serves the workflow API.
type Server struct {
	wf     Workflow
	auth   Authenticator
	logger *slog.Logger
	opts   Options
}

// NewServer creates a server. auth may be nil, in which case the
// client-authenticate route answers 501.
func NewServer(wf Workflow, auth Authenticator, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	return &Server{wf: wf, auth: auth, logger: logger, opts: opts}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.accessLog, middleware.Recoverer)
	if s.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/documents/{id}", func(dr chi.Router) {
		dr.Post("/start-sign", s.handleStartSign)
		dr.Post("/sign", s.handleSign)
		dr.Put("/signing-flow", s.handleSigningFlow)
		dr.Get("/signatures", s.handleSignatures)
		dr.Post("/signature-file", s.handleSignatureFile)
	})
	r.Route("/assets/{id}", func(ar chi.Router) {
		ar.Get("/preview-pdf", s.handlePreview)
		ar.Get("/download-url", s.handleDownloadURL)
	})
	r.Route("/signing", func(sr chi.Router) {
		sr.Post("/webhook", s.handleWebhook)
		sr.Post("/client-authenticate", s.handleClientAuthenticate)
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// userID returns the caller, writing a 401 when it is missing.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserIDHeader)
	if id == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing "+UserIDHeader+" header", nil)
		return "", false
	}
	return id, true
}

// decode reads a capped JSON body, writing the error response on failure.
// Client requests are decoded strictly. Provider callbacks are not, so
// that fields the provider adds later are ignored.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return s.decodeBody(w, r, dst, true)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, strict bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := readJSON(r, dst, strict); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("request body exceeds %d bytes", s.opts.MaxBodyBytes), nil)
			return false
		}
		writeError(w, r, http.StatusBadRequest, "bad_body", err.Error(), nil)
		return false
	}
	return true
}

func (s *Server) handleStartSign(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	doc, err := s.wf.StartSign(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	res, err := s.wf.Sign(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type signingFlowRequest struct {
	Signers []workflow.FlowEntry `json:"signers"`
}

type signaturesResponse struct {
	Signatures []*workflow.DocumentSignature `json:"signatures"`
}

func (s *Server) handleSigningFlow(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req signingFlowRequest
	if !s.decode(w, r, &req) {
		return
	}
	sigs, err := s.wf.DefineSigningFlow(r.Context(), chi.URLParam(r, "id"), uid, req.Signers)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signaturesResponse{Signatures: sigs})
}

func (s *Server) handleSignatures(w http.ResponseWriter, r *http.Request) {
	sigs, err := s.wf.Signatures(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signaturesResponse{Signatures: sigs})
}

// handleSignatureFile takes the raw PDF as the body. The asset name comes
// from the name query parameter.
func (s *Server) handleSignatureFile(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("file exceeds %d bytes", s.opts.MaxUploadBytes), nil)
			return
		}
		writeError(w, r, http.StatusBadRequest, "bad_body", err.Error(), nil)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "signature-file"
	}
	asset, err := s.wf.AttachSignatureFile(r.Context(), chi.URLParam(r, "id"), workflow.Asset{Name: name, OwnerID: uid}, data)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	p, err := s.wf.Preview(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	w.Header().Set("content-type", "application/pdf")
	w.Header().Set("content-disposition", fmt.Sprintf("attachment; filename=%q", p.Filename))
	w.Header().Set("content-length", strconv.Itoa(len(p.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.Data)
}

type downloadURLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	ttl := s.opts.PresignTTL
	if v := r.URL.Query().Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, "bad_request", "ttl must be a positive duration", nil)
			return
		}
		ttl = d
	}
	url, err := s.wf.DownloadURL(r.Context(), chi.URLParam(r, "id"), ttl)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadURLResponse{URL: url, ExpiresIn: int(ttl.Seconds())})
}

type webhookRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	res, err := s.wf.HandleSigningWebhook(r.Context(), req.TransactionID, workflow.SystemActor)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClientAuthenticate(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, r, http.StatusNotImplemented, "not_configured", "signing provider is not configured", nil)
		return
	}
	tok, err := s.auth.Authenticate(r.Context())
	if err != nil {
		s.logger.Error("client authenticate failed", "request_id", RequestID(r.Context()), "error", err)
		writeError(w, r, http.StatusBadGateway, workflow.ReasonProviderError, "signing provider authentication failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// StatusFor maps a workflow error to an HTTP status.
func StatusFor(err error) int {
	switch workflow.ReasonOf(err) {
	case workflow.ReasonAlreadyPending, workflow.ReasonNoPreparedContext:
		return http.StatusConflict
	case workflow.ReasonNotASigner:
		return http.StatusForbidden
	case workflow.ReasonNotFound, workflow.ReasonUnknownTransaction:
		return http.StatusNotFound
	case workflow.ReasonProviderError:
		return http.StatusBadGateway
	case workflow.ReasonFinalizeFailed:
		return http.StatusInternalServerError
	}
	switch workflow.ClassOf(err) {
	case workflow.ClassPrecondition, workflow.ClassOrdering:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeWorkflowError writes err without exposing wrapped causes.
func (s *Server) writeWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	var we *workflow.Error
	if !errors.As(err, &we) {
		s.logger.Error("request failed", "request_id", RequestID(r.Context()), "error", err)
		writeError(w, r, status, workflow.ReasonInternal, "internal error", nil)
		return
	}
	msg := we.Message
	if status >= 500 {
		s.logger.Error("request failed", "request_id", RequestID(r.Context()), "reason", we.Reason, "error", err)
		if msg == "" {
			msg = "internal error"
		}
	}
	if msg == "" {
		msg = we.Reason
	}
	writeError(w, r, status, we.Reason, msg, map[string]string{"class": string(we.Class)})
}
