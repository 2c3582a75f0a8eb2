package remote

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/ocsp"
)

// ErrOCSPFailed is returned when no responder gave a usable answer.
var ErrOCSPFailed = errors.New("OCSP request failed")

// RevocationStatus represents the revocation status of a certificate.
type RevocationStatus int

const (
	RevocationUnknown RevocationStatus = iota
	RevocationGood
	RevocationRevoked
)

// String returns a string representation of the revocation status.
func (s RevocationStatus) String() string {
	switch s {
	case RevocationGood:
		return "good"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// CheckRevocation queries the OCSP responders named in cert. A
// certificate without a responder URL is reported as unknown.
func (c *Client) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	if cert == nil || issuer == nil {
		return RevocationUnknown, fmt.Errorf("%w: certificate and issuer are required", ErrOCSPFailed)
	}
	if len(cert.OCSPServer) == 0 {
		return RevocationUnknown, nil
	}

	ctx, span := c.tracer.Start(ctx, "remote/ocsp")
	defer span.End()

	ocspReq, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return RevocationUnknown, fmt.Errorf("%w: %v", ErrOCSPFailed, err)
	}

	var errs []error
	for _, server := range cert.OCSPServer {
		resp, err := c.fetchOCSP(ctx, server, ocspReq, issuer)
		if err != nil {
			c.logger.Debug("OCSP responder failed", "url", server, "error", err)
			errs = append(errs, err)
			continue
		}
		switch resp.Status {
		case ocsp.Good:
			return RevocationGood, nil
		case ocsp.Revoked:
			c.logger.Warn("certificate revoked",
				"serial", cert.SerialNumber.String(), "revoked_at", resp.RevokedAt, "reason", resp.RevocationReason)
			return RevocationRevoked, nil
		default:
			return RevocationUnknown, nil
		}
	}
	span.RecordError(errors.Join(errs...))
	return RevocationUnknown, fmt.Errorf("%w: %w", ErrOCSPFailed, errors.Join(errs...))
}

func (c *Client) fetchOCSP(ctx context.Context, serverURL string, ocspReq []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(ocspReq))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", serverURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return ocsp.ParseResponse(body, issuer)
}
