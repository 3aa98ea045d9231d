package payment

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

	"storefront/internal/models"
)

// FakeGateway talks to the mock payment backend used in development
type FakeGateway struct {
	baseURL    string
	currency   string
	httpClient *http.Client
}

// NewFakeGateway creates a client for the mock backend at baseURL
func NewFakeGateway(baseURL, currency string) *FakeGateway {
	return &FakeGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		currency: strings.ToUpper(currency),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type fakeSessionRequest struct {
	Vendor    string `json:"vendor"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type fakeSessionResponse struct {
	SessionID string `json:"session_id"`
}

type fakeStatusResponse struct {
	Status string `json:"status"`
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	defer observe(g.Name(), "create_session", time.Now())

	body := fakeSessionRequest{
		Vendor:    "Storefront",
		Amount:    req.Amount,
		Currency:  g.currency,
		ReturnURL: req.CallbackURL,
		CancelURL: req.CancelURL,
	}

	var out fakeSessionResponse
	if err := g.do(ctx, http.MethodPost, "/session", body, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("create session: empty session id in response")
	}

	return &Session{
		ID:          out.SessionID,
		CheckoutURL: g.baseURL + "/session/checkout?session_id=" + url.QueryEscape(out.SessionID),
	}, nil
}

func (g *FakeGateway) QuerySessionStatus(ctx context.Context, sessionID string) (models.TxStatus, error) {
	defer observe(g.Name(), "query_session", time.Now())

	var out fakeStatusResponse
	if err := g.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return "", fmt.Errorf("query session %s: %w", sessionID, err)
	}

	status, err := models.ParseTxStatus(out.Status)
	if err != nil {
		return "", fmt.Errorf("query session %s: %w", sessionID, err)
	}
	return status, nil
}

func (g *FakeGateway) DestroySession(ctx context.Context, sessionID string) error {
	defer observe(g.Name(), "destroy_session", time.Now())

	if err := g.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/expire", nil, nil); err != nil {
		return fmt.Errorf("destroy session %s: %w", sessionID, err)
	}
	return nil
}

func (g *FakeGateway) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
