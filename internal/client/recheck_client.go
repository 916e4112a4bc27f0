package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vatwatch/vatwatch-api/internal/models"
)

// RecheckClient triggers on-demand verifications against the external
// verification backend. The backend performs the registry lookup and writes
// the resulting check record itself; this client only fires the request.
type RecheckClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRecheckClient constructs a RecheckClient.
func NewRecheckClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *RecheckClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecheckClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type recheckRequest struct {
	EntryUUID            string  `json:"entry_uuid"`
	CountryCode          string  `json:"country_code"`
	VATNumber            string  `json:"vat_number"`
	RequesterCountryCode *string `json:"requester_country_code,omitempty"`
	RequesterVATNumber   *string `json:"requester_vat_number,omitempty"`
}

// Trigger asks the verification backend to re-verify the entry now.
func (c *RecheckClient) Trigger(ctx context.Context, entry *models.MonitoredEntry) error {
	body, err := json.Marshal(recheckRequest{
		EntryUUID:            entry.UUID,
		CountryCode:          entry.CountryCode,
		VATNumber:            entry.VATNumber,
		RequesterCountryCode: entry.RequesterCountryCode,
		RequesterVATNumber:   entry.RequesterVATNumber,
	})
	if err != nil {
		return fmt.Errorf("encode recheck request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checks", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build recheck request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("recheck request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("recheck backend rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("entry", entry.UUID))
		return fmt.Errorf("recheck backend returned %d: %s", resp.StatusCode, string(payload))
	}
	return nil
}
