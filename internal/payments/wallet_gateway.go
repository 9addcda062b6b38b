package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/retry"
)

// HTTPWalletGateway implements WalletGateway against an external wallet
// provider's order API. The provider holds the buyer's approval out of band;
// we only create and capture orders here.
type HTTPWalletGateway struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPWalletGateway creates a wallet gateway for the given provider base URL.
func NewHTTPWalletGateway(baseURL string) *HTTPWalletGateway {
	return &HTTPWalletGateway{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

type walletOrderRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type walletOrderResponse struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approvalUrl"`
}

type walletCaptureResponse struct {
	CaptureID string `json:"captureId"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
}

// CreateRemoteOrder registers an order with the provider and returns the
// buyer approval URL along with the provider's order reference.
//
// Creation moves no money and an orphaned provider order is never captured,
// so transient transport and 5xx failures are retried here. Every failure
// is retry-safe for the caller for the same reason.
func (g *HTTPWalletGateway) CreateRemoteOrder(ctx context.Context, amount int64) (string, string, error) {
	body := walletOrderRequest{Amount: money.Format(amount), Currency: "USD"}

	var raw []byte
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		data, status, err := g.post(ctx, "/v1/orders", body)
		if err != nil {
			return err
		}
		switch {
		case status >= 500:
			return fmt.Errorf("provider error (%d): %s", status, string(data))
		case status >= 400:
			// The provider rejected the request outright. Replaying the
			// same request will not change its mind.
			return retry.Permanent(fmt.Errorf("provider rejected request (%d): %s", status, string(data)))
		}
		raw = data
		return nil
	})
	if err != nil {
		return "", "", &GatewayError{Rail: ledger.RailExternal, RetrySafe: true, Err: err}
	}

	var resp walletOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", "", &GatewayError{Rail: ledger.RailExternal, RetrySafe: true,
			Err: fmt.Errorf("decode order response: %w", err)}
	}
	if resp.OrderID == "" {
		return "", "", &GatewayError{Rail: ledger.RailExternal, RetrySafe: true,
			Err: errors.New("provider returned no order id")}
	}
	return resp.ApprovalURL, resp.OrderID, nil
}

// CaptureRemoteOrder captures a previously approved provider order.
//
// Capture is never retried at this level: a capture that timed out may
// still have completed on the provider side, and a blind replay could
// take the buyer's money twice.
func (g *HTTPWalletGateway) CaptureRemoteOrder(ctx context.Context, externalOrderID string) (*ChargeResult, error) {
	data, status, err := g.post(ctx, "/v1/orders/"+externalOrderID+"/capture", nil)
	if err != nil {
		// Outcome unknown.
		return nil, &GatewayError{Rail: ledger.RailExternal, RetrySafe: false, Err: err}
	}
	switch {
	case status >= 500:
		return nil, &GatewayError{Rail: ledger.RailExternal, RetrySafe: false,
			Err: fmt.Errorf("provider error (%d): %s", status, string(data))}
	case status >= 400:
		// 4xx means the provider rejected the capture without acting on it.
		return nil, &GatewayError{Rail: ledger.RailExternal, RetrySafe: true,
			Err: fmt.Errorf("provider rejected capture (%d): %s", status, string(data))}
	}

	var resp walletCaptureResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &GatewayError{Rail: ledger.RailExternal, RetrySafe: false,
			Err: fmt.Errorf("decode capture response: %w", err)}
	}
	if resp.Status != "COMPLETED" {
		return nil, &GatewayError{Rail: ledger.RailExternal, RetrySafe: true,
			Err: fmt.Errorf("capture not completed: status %s", resp.Status)}
	}

	amount, ok := money.Parse(resp.Amount)
	if !ok {
		return nil, &GatewayError{Rail: ledger.RailExternal, RetrySafe: false,
			Err: fmt.Errorf("unparseable capture amount %q", resp.Amount)}
	}
	return &ChargeResult{ExternalID: resp.CaptureID, Amount: amount}, nil
}

// post sends a JSON POST and returns the response body and status code.
// The error is non-nil only for request build and transport failures.
func (g *HTTPWalletGateway) post(ctx context.Context, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}
