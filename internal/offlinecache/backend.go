package offlinecache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport performs the network leg of an intercepted request.
type Transport interface {
	RoundTrip(ctx context.Context, identity RequestIdentity, header http.Header, body []byte) (CachedResponse, error)
}

// BackendClient talks to the document-generation backend. It implements both
// the read path (Transport) and mutation delivery (ReplayBackend).
type BackendClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewBackendClient(baseURL, token string, httpClient *http.Client) *BackendClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &BackendClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *BackendClient) BaseURL() string {
	return c.baseURL
}

// RoundTrip performs one network attempt for identity. Transport failures
// come back as NetworkError so the agent can fall back to cache; there is no
// retry loop here because the caching strategies are the retry policy.
func (c *BackendClient) RoundTrip(ctx context.Context, identity RequestIdentity, header http.Header, body []byte) (CachedResponse, error) {
	target := identity.URL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimPrefix(target, "/")
	}
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, identity.Method, target, bodyReader)
	if err != nil {
		return CachedResponse{}, err
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CachedResponse{}, &NetworkError{Op: "fetch " + identity.URL, Err: err}
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return CachedResponse{}, &NetworkError{Op: "fetch " + identity.URL, Err: readErr}
	}
	return CachedResponse{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Deliver sends one queued operation to the backend with OpID as the
// idempotency token. The backend contract rejects duplicate OpIDs with a
// recognizable already-applied status, so re-delivery after a partial flush
// is safe.
func (c *BackendClient) Deliver(ctx context.Context, op QueuedOperation) error {
	var method, path string
	switch op.Kind {
	case OperationCreate:
		method = http.MethodPost
		path = "/v1/reports"
	case OperationUpdate:
		if strings.TrimSpace(op.TargetID) == "" {
			return ErrInvalidInput
		}
		method = http.MethodPut
		path = "/v1/reports/" + url.PathEscape(op.TargetID)
	default:
		return ErrInvalidInput
	}

	var bodyReader io.Reader
	if len(op.Payload) > 0 {
		bodyReader = bytes.NewReader(op.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", op.OpID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "deliver " + op.OpID, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &NetworkError{Op: "deliver " + op.OpID, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)

	if resp.StatusCode == http.StatusConflict || errPayload.Code == "already_applied" {
		return fmt.Errorf("%w: op %s", ErrAlreadyApplied, op.OpID)
	}
	if resp.StatusCode >= 500 {
		// Server-side trouble is treated as transient: the operation stays
		// queued and the next flush retries it.
		return &NetworkError{
			Op:  "deliver " + op.OpID,
			Err: fmt.Errorf("backend returned %d", resp.StatusCode),
		}
	}
	return &RejectedError{
		OpID:       op.OpID,
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func cloneHeader(header http.Header) http.Header {
	if header == nil {
		return nil
	}
	clone := make(http.Header, len(header))
	for key, values := range header {
		clone[key] = append([]string(nil), values...)
	}
	return clone
}
