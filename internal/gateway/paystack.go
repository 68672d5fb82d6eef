// Package gateway is the adapter for the payment processor's REST API.
// The verify call and its metadata schema are an external contract; the
// materializer only depends on the Transaction type and TransactionVerifier,
// so an alternate processor can be substituted without touching it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kasapahq/kasapa/internal/observability"
)

// ErrNotConfigured is returned when no secret key is available. The handler
// layer maps it to a 500 rather than a gateway-reported 400.
var ErrNotConfigured = errors.New("payment gateway secret key is not configured")

// VerificationError is a gateway-reported verification failure (unknown
// reference, declined transaction, malformed response). Terminal for the call.
type VerificationError struct {
	Message string
}

func (e *VerificationError) Error() string {
	return e.Message
}

type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(secretKey, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: observability.NewHTTPClient(15 * time.Second),
		logger:     logger,
	}
}

type verifyEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// VerifyTransaction calls GET {base}/transaction/verify/{reference} and
// returns the decoded transaction together with its raw payload.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	if strings.TrimSpace(c.secretKey) == "" {
		return nil, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/transaction/verify/%s", c.baseURL, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway verify request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	var envelope verifyEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &VerificationError{Message: fmt.Sprintf("invalid gateway response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Status {
		message := strings.TrimSpace(envelope.Message)
		if message == "" {
			message = fmt.Sprintf("gateway verify returned status %d", resp.StatusCode)
		}
		c.logger.Warn("gateway rejected verification", "reference", reference, "status_code", resp.StatusCode, "message", message)
		return nil, &VerificationError{Message: message}
	}

	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, &VerificationError{Message: "gateway returned no transaction data"}
	}

	var tx Transaction
	if err := json.Unmarshal(envelope.Data, &tx); err != nil {
		return nil, &VerificationError{Message: fmt.Sprintf("invalid transaction payload: %v", err)}
	}
	if err := json.Unmarshal(envelope.Data, &tx.Raw); err != nil {
		return nil, &VerificationError{Message: fmt.Sprintf("invalid transaction payload: %v", err)}
	}

	return &tx, nil
}
