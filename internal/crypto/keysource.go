package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPKeySource fetches key material from the key service's REST endpoint.
type HTTPKeySource struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

// NewHTTPKeySource creates a key source against baseURL.
func NewHTTPKeySource(baseURL string, timeout time.Duration, logger *logrus.Logger) *HTTPKeySource {
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPKeySource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type keyFetchRequest struct {
	KeyIDs []string `json:"key_ids"`
}

type keyFetchResponse struct {
	Keys map[string]string `json:"keys"`
}

// FetchKeys requests the given key ids. Keys absent from the response are
// simply not returned; the caller keeps them pending.
func (s *HTTPKeySource) FetchKeys(ctx context.Context, keyIDs []string) (map[string][]byte, error) {
	body, err := json.Marshal(keyFetchRequest{KeyIDs: keyIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/keys/fetch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create key request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key service request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key service returned status %d", resp.StatusCode)
	}

	var decoded keyFetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode key response: %w", err)
	}

	out := make(map[string][]byte, len(decoded.Keys))
	for id, raw := range decoded.Keys {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			s.logger.WithField("key_id", id).Warn("Skipping key with invalid encoding")
			continue
		}
		out[id] = key
	}
	return out, nil
}
