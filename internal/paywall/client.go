package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gigcrew/internal/logging"
)

// Payer produces a payment payload for a 402 challenge.
type Payer interface {
	Pay(ctx context.Context, challenge Challenge) (string, error)
}

// SimulatedPayer signs nothing; it waits Delay and returns the sentinel payload.
type SimulatedPayer struct {
	Delay time.Duration
}

func (p SimulatedPayer) Pay(ctx context.Context, _ Challenge) (string, error) {
	if p.Delay <= 0 {
		return SentinelPayload, nil
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.C:
		return SentinelPayload, nil
	}
}

// Client sends requests and settles a single 402 challenge per request.
type Client struct {
	HTTP   *http.Client
	Payer  Payer
	Logger *zap.Logger
}

// Do sends req. On 402 it pays and retries once; any other failure of the retry is ErrPaymentFailed.
// req.GetBody must be set when the request has a body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	payer := c.Payer
	if payer == nil {
		payer = SimulatedPayer{}
	}
	logger := logging.OrNop(c.Logger)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	var challenge Challenge
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	_ = json.Unmarshal(body, &challenge)
	logger.Info("payment required", zap.String("price", challenge.Price), zap.String("url", req.URL.String()))

	payload, err := payer.Pay(req.Context(), challenge)
	if err != nil {
		return nil, fmt.Errorf("pay: %w", err)
	}
	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	header := challenge.Header
	if header == "" {
		header = HeaderPayment
	}
	retry.Header.Set(header, payload)

	resp, err = httpClient.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrPaymentFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}
	logger.Info("payment accepted", zap.String("url", req.URL.String()))
	return resp, nil
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay body: %w", err)
	}
	retry.Body = body
	return retry, nil
}
