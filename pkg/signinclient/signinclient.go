// Package signinclient consumes the sign-in bootstrap endpoint spec §6.5
// describes as an external collaborator: the core never hosts this
// endpoint, only issues the one PATCH request a connecting peer makes to
// obtain the host:port of the RPC backchannel.
//
// Grounded on the teacher's pkg/daemon/webhook.go http.Client-with-timeout
// shape, adapted from a fire-and-forget async POST to a synchronous
// PATCH-then-parse-response call.
package signinclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client issues sign-in requests against a single configured endpoint.
type Client struct {
	http *http.Client
}

// New builds a Client with a bounded request timeout, matching the
// teacher's 5s webhook client default.
func New() *Client {
	return &Client{http: &http.Client{Timeout: 5 * time.Second}}
}

// SignIn issues one PATCH / against url with the headers and body spec
// §6.5 specifies (body is the caller's PKCS#1 DER-encoded public key),
// returning the "host:port" string to dial on success.
//
// Responses map to the status codes spec §6.5 documents: 202 accepted,
// 208 already connected (treated as success — the backchannel already
// exists), 401 bad token, 409 key already trusted under another name, 400
// malformed routes/base.
func (c *Client) SignIn(url, token, friendlyName, routes, baseHost, basePort, baseScheme string, pubKeyDER []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(pubKeyDER))
	if err != nil {
		return "", fmt.Errorf("signinclient: build request: %w", err)
	}
	req.Header.Set("Token", token)
	req.Header.Set("Friendly-Name", friendlyName)
	if routes != "" {
		req.Header.Set("Routes", routes)
	}
	if baseHost != "" {
		req.Header.Set("BaseHost", baseHost)
	}
	if basePort != "" {
		req.Header.Set("BasePort", basePort)
	}
	if baseScheme != "" {
		req.Header.Set("BaseScheme", baseScheme)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signinclient: sign-in request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("signinclient: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusAlreadyReported:
		hostport := strings.TrimSpace(string(body))
		if hostport == "" {
			return "", fmt.Errorf("signinclient: sign-in accepted but response body was empty")
		}
		return hostport, nil
	case http.StatusUnauthorized:
		return "", fmt.Errorf("signinclient: bad token")
	case http.StatusConflict:
		return "", fmt.Errorf("signinclient: key already trusted under another name")
	case http.StatusBadRequest:
		return "", fmt.Errorf("signinclient: malformed routes or base host/port/scheme")
	default:
		return "", fmt.Errorf("signinclient: unexpected status %d: %s", resp.StatusCode, string(body))
	}
}
