package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onepass/pkg/logger"
)

// Upstream auth header values shared by every RPC.
const (
	headerRequestID  = "X-KSY-REQUEST-ID"
	headerKingstarID = "X-KSY-KINGSTAR-ID"
	kingstarID       = "20004"
)

// OutcomeKind classifies a single getPay probe.
type OutcomeKind int

const (
	// Consumed: the upstream definitively debited the probed amount.
	Consumed OutcomeKind = iota
	// Insufficient: the probed amount exceeds the remaining balance. No debit.
	Insufficient
	// NotFound: no upstream account for this uid. No debit.
	NotFound
	// BusinessOther: HTTP 200 with an unrecognized business code. Transient.
	BusinessOther
	// GatewayTimeout: HTTP 504. The probe outcome is unknown — the upstream
	// may or may not have debited.
	GatewayTimeout
	// TransportError: network failure, unexpected HTTP status, unparseable
	// body or requestId mismatch. Outcome unknown, as with GatewayTimeout.
	TransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case Consumed:
		return "consumed"
	case Insufficient:
		return "insufficient"
	case NotFound:
		return "not_found"
	case BusinessOther:
		return "business_other"
	case GatewayTimeout:
		return "gateway_timeout"
	default:
		return "transport_error"
	}
}

// Outcome is the classified result of one probe. Amount is the cents
// debited (set only for Consumed); Code carries the business code for
// BusinessOther.
type Outcome struct {
	Kind   OutcomeKind
	Amount int64
	Code   int32
}

// Fund seeds one upstream account; used only by initFunds.
type Fund struct {
	Uid    int64   `json:"uid"`
	Amount float64 `json:"amount"`
}

type getPayRequest struct {
	TransactionID string  `json:"transactionId"`
	Uid           int64   `json:"uid"`
	Amount        float64 `json:"amount"`
}

type getPayResponse struct {
	Code      int32  `json:"code"`
	RequestID string `json:"requestId"`
	Msg       string `json:"msg"`
	Data      string `json:"data"`
}

type batchPayFinishRequest struct {
	BatchPayID string `json:"batchPayId"`
}

// Config holds the upstream endpoint URLs.
type Config struct {
	GetPayURL         string
	InitFundsURL      string
	BatchPayFinishURL string
}

// Client wraps the upstream provider's wire protocol.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient creates an upstream client.
//
// Parameters:
//   - cfg: endpoint URLs (point them at a mock server in tests)
//   - httpClient: HTTP client to use (nil creates default with 10s timeout)
//
// Per-probe timeouts are enforced by callers through the request context,
// so the client timeout is only a backstop.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient, cfg: cfg}
}

// GetPay issues one probe-and-consume RPC: consume amountCents from uid if
// available. corrID identifies the logical probe; the caller reuses it
// across retries whose outcome was unknown so the upstream can dedupe.
//
// The outcome is always a classification, never an error: transient
// failures are part of the probe state machine, not exceptional paths.
func (c *Client) GetPay(ctx context.Context, uid, amountCents int64, corrID string) Outcome {
	requestID := uuid.New().String()

	payload, err := json.Marshal(getPayRequest{
		TransactionID: corrID,
		Uid:           uid,
		Amount:        float64(amountCents) / 100.0,
	})
	if err != nil {
		return Outcome{Kind: TransportError}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GetPayURL, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Kind: TransportError}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRequestID, requestID)
	req.Header.Set(headerKingstarID, kingstarID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("getPay transport failure",
			zap.Int64("uid", uid),
			zap.Int64("amount_cents", amountCents),
			zap.Error(err),
		)
		return Outcome{Kind: TransportError}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGatewayTimeout {
		return Outcome{Kind: GatewayTimeout}
	}
	if resp.StatusCode != http.StatusOK {
		logger.Debug("getPay unexpected status",
			zap.Int64("uid", uid),
			zap.Int("status", resp.StatusCode),
		)
		return Outcome{Kind: TransportError}
	}

	var body getPayResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Outcome{Kind: TransportError}
	}

	// The upstream must echo our request id; a mismatch means the response
	// cannot be trusted to describe this probe.
	if body.RequestID != requestID {
		logger.Warn("getPay requestId mismatch",
			zap.Int64("uid", uid),
			zap.String("sent", requestID),
			zap.String("received", body.RequestID),
		)
		return Outcome{Kind: TransportError}
	}

	switch body.Code {
	case 200:
		return Outcome{Kind: Consumed, Amount: amountCents}
	case 501:
		return Outcome{Kind: Insufficient}
	case 404:
		return Outcome{Kind: NotFound}
	default:
		return Outcome{Kind: BusinessOther, Code: body.Code}
	}
}

// BatchPayFinish notifies the upstream that a batch completed. Only the
// HTTP status is consulted: nil iff 200.
func (c *Client) BatchPayFinish(ctx context.Context, batchID string) error {
	payload, err := json.Marshal(batchPayFinishRequest{BatchPayID: batchID})
	if err != nil {
		return fmt.Errorf("failed to marshal finish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BatchPayFinishURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create finish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRequestID, uuid.New().String())
	req.Header.Set(headerKingstarID, kingstarID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("finish rejected: status %d", resp.StatusCode)
	}
	return nil
}

// InitFunds seeds upstream balances; used for test environments only.
// The response body is ignored.
func (c *Client) InitFunds(ctx context.Context, funds []Fund) error {
	payload, err := json.Marshal(funds)
	if err != nil {
		return fmt.Errorf("failed to marshal funds: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.InitFundsURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRequestID, uuid.New().String())
	req.Header.Set(headerKingstarID, kingstarID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("init request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("init rejected: status %d", resp.StatusCode)
	}
	return nil
}
