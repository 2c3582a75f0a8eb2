package remote

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// Algorithm identifiers sent with sign requests.
const (
	OIDSHA1          = "1.3.14.3.2.26"
	OIDSHA256        = "2.16.840.1.101.3.4.2.1"
	OIDRSAEncryption = "1.2.840.113549.1.1.1"
)

// asyncConfirm asks the service to confirm on the signer's device and
// report completion through the webhook.
const asyncConfirm = 2

// TokenResponse is the service's OAuth token response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// DocumentRef names the document a hash belongs to, for display on the
// signer's device.
type DocumentRef struct {
	ID   string `json:"document_id"`
	Name string `json:"document_name"`
}

// StatusResult is the state of a signing transaction.
type StatusResult struct {
	Code int
	// Signatures holds the raw signature values when Code is signed.
	Signatures [][]byte
}

// Login obtains an access token for userID, the signer's id at the
// service.
func (c *Client) Login(ctx context.Context, userID string) (string, error) {
	req, err := jsonRequest(loginPath, "", map[string]string{
		"client_id":     c.cfg.ClientID,
		"user_id":       userID,
		"client_secret": c.cfg.ClientSecret,
		"profile_id":    c.cfg.ProfileID,
	})
	if err != nil {
		return "", err
	}

	var resp TokenResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuthFailed)
	}
	return resp.AccessToken, nil
}

// Authenticate obtains a client-credentials token for the platform itself.
func (c *Client) Authenticate(ctx context.Context) (*TokenResponse, error) {
	req := formRequest(authenticatePath, url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	})

	var resp TokenResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrAuthFailed)
	}
	return &resp, nil
}

type credentialEntry struct {
	CredentialID string `json:"credential_id"`
	Cert         struct {
		Certificates []string `json:"certificates"`
	} `json:"cert"`
}

// ListCertificates returns the signer's credentials, each with its
// certificate chain, signer first. An empty map means the signer has no
// certificate enrolled.
func (c *Client) ListCertificates(ctx context.Context, token, userID string) (map[string][]*x509.Certificate, error) {
	req, err := jsonRequest(certificatesPath, token, map[string]any{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"profile_id":    c.cfg.ProfileID,
		"user_id":       userID,
		"certificates":  "chain",
		"certInfo":      true,
		"authInfo":      true,
	})
	if err != nil {
		return nil, err
	}

	var entries []credentialEntry
	if err := c.call(ctx, req, &entries); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 400 {
			c.logger.Warn("certificate listing rejected", "user_id", userID, "error", apiErr.Description)
			return map[string][]*x509.Certificate{}, nil
		}
		return nil, err
	}

	creds := make(map[string][]*x509.Certificate, len(entries))
	for _, e := range entries {
		if e.CredentialID == "" || len(e.Cert.Certificates) == 0 {
			continue
		}
		chain := make([]*x509.Certificate, 0, len(e.Cert.Certificates))
		for i, b64 := range e.Cert.Certificates {
			der, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, fmt.Errorf("%w: credential %s certificate %d: %v", ErrMalformedResponse, e.CredentialID, i, err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("%w: credential %s certificate %d: %v", ErrMalformedResponse, e.CredentialID, i, err)
			}
			chain = append(chain, cert)
		}
		creds[e.CredentialID] = chain
	}
	return creds, nil
}

// SelectCredential picks the credential with the lowest id.
func SelectCredential(creds map[string][]*x509.Certificate) (string, []*x509.Certificate, error) {
	if len(creds) == 0 {
		return "", nil, ErrNoCertificate
	}
	ids := make([]string, 0, len(creds))
	for id := range creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], creds[ids[0]], nil
}

// HashAlgorithmOID returns the OID the service expects for a digest of the
// given length.
func HashAlgorithmOID(digestLen int) string {
	if digestLen == 20 {
		return OIDSHA1
	}
	return OIDSHA256
}

// SignHash starts an asynchronous signing transaction over hashes and
// returns its id.
func (c *Client) SignHash(ctx context.Context, token, credentialID string, hashes [][]byte, doc DocumentRef) (string, error) {
	if len(hashes) == 0 {
		return "", fmt.Errorf("%w: no hashes", ErrSignHashFailed)
	}
	encoded := make([]string, len(hashes))
	docs := make([]DocumentRef, len(hashes))
	for i, h := range hashes {
		encoded[i] = base64.StdEncoding.EncodeToString(h)
		docs[i] = doc
	}

	req, err := jsonRequest(signHashPath, token, map[string]any{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"credentialID":  credentialID,
		"numSignatures": len(hashes),
		"documents":     docs,
		"hash":          encoded,
		"hashAlgo":      HashAlgorithmOID(len(hashes[0])),
		"signAlgo":      OIDRSAEncryption,
		"async":         asyncConfirm,
	})
	if err != nil {
		return "", err
	}
	req.once = true

	var resp struct {
		TransactionID string `json:"transactionId"`
		providerError
	}
	if err := c.call(ctx, req, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignHashFailed, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%w: %w", ErrSignHashFailed,
			&APIError{Endpoint: signHashPath, StatusCode: 200, Code: resp.Error, Description: resp.Description})
	}
	if resp.TransactionID == "" {
		return "", fmt.Errorf("%w: %w: missing transactionId", ErrSignHashFailed, ErrMalformedResponse)
	}
	return resp.TransactionID, nil
}

// GetStatus returns the state of a signing transaction.
func (c *Client) GetStatus(ctx context.Context, token, transactionID string) (*StatusResult, error) {
	req, err := jsonRequest(statusPath, token, map[string]string{"transactionId": transactionID})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status     json.Number `json:"status"`
		Signatures []string    `json:"signatures"`
		providerError
	}
	if err := c.call(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusFailed, err)
	}
	if resp.Status == "" {
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %w", ErrStatusFailed,
				&APIError{Endpoint: statusPath, StatusCode: 200, Code: resp.Error, Description: resp.Description})
		}
		return nil, fmt.Errorf("%w: %w: missing status", ErrStatusFailed, ErrMalformedResponse)
	}
	code, err := resp.Status.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %w: status %q", ErrStatusFailed, ErrMalformedResponse, resp.Status)
	}

	result := &StatusResult{Code: int(code)}
	for i, s := range resp.Signatures {
		sig, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: signature %d: %v", ErrStatusFailed, ErrMalformedResponse, i, err)
		}
		result.Signatures = append(result.Signatures, sig)
	}
	return result, nil
}

// Outcome is the classified state of a signing transaction.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSigned
	OutcomeTimeout
	OutcomeRejected
	OutcomeFailed
)

// Provider status codes.
const (
	StatusSigned   = 1
	StatusTimeout  = 4001
	StatusRejected = 4002
	StatusFailed   = 4004
	StatusError    = 50000
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSigned:
		return "signed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Terminal reports whether the transaction will not change any more.
func (o Outcome) Terminal() bool {
	return o != OutcomePending
}

// Classify maps a provider status code to an outcome. Unknown codes are
// still pending.
func Classify(code int) Outcome {
	switch code {
	case StatusSigned:
		return OutcomeSigned
	case StatusTimeout:
		return OutcomeTimeout
	case StatusRejected:
		return OutcomeRejected
	case StatusFailed, StatusError:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
