package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"onepass/internal/batch"
	"onepass/internal/ledger"
	"onepass/pkg/logger"
)

// requestIDHeader is echoed back as "requestId" in every response. For
// /userTrade it doubles as the idempotency key.
const requestIDHeader = "X-KSY-REQUEST-ID"

type batchPayRequest struct {
	BatchPayID string  `json:"batchPayId"`
	Uids       []int64 `json:"uids"`
}

type userTradeRequest struct {
	SourceUid int64   `json:"sourceUid"`
	TargetUid int64   `json:"targetUid"`
	Amount    float64 `json:"amount"`
}

type okResponse struct {
	Msg       string `json:"msg"`
	Code      int    `json:"code"`
	RequestID string `json:"requestId"`
}

type userAmountRow struct {
	Uid    int64   `json:"uid"`
	Amount float64 `json:"amount"`
}

type queryResponse struct {
	Code      int             `json:"code"`
	Msg       string          `json:"msg"`
	RequestID string          `json:"requestId"`
	Data      []userAmountRow `json:"data"`
}

// Handler demultiplexes the /onePass endpoints into batch service calls.
type Handler struct {
	svc *batch.Service
}

func NewHandler(svc *batch.Service) *Handler {
	return &Handler{svc: svc}
}

// NewRouter mounts the three POST endpoints under /onePass.
func NewRouter(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	grp := app.Group("/onePass")
	grp.Post("/batchPay", h.BatchPay)
	grp.Post("/userTrade", h.UserTrade)
	grp.Post("/queryUserAmount", h.QueryUserAmount)

	return app
}

// BatchPay admits a reconciliation batch. The 200 is returned as soon as
// the batch is admitted; discovery runs detached from this request.
func (h *Handler) BatchPay(c *fiber.Ctx) error {
	var req batchPayRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid JSON"})
	}

	if err := h.svc.StartBatch(c.UserContext(), req.BatchPayID, req.Uids); err != nil {
		if errors.Is(err, batch.ErrDuplicateBatch) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "batchPayId already exist"})
		}
		logger.Error("batch admission error", zap.String("batch_id", req.BatchPayID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(okResponse{Msg: "ok", Code: 200, RequestID: c.Get(requestIDHeader)})
}

// UserTrade applies a synchronous transfer between two ledger accounts.
func (h *Handler) UserTrade(c *fiber.Ctx) error {
	requestID := c.Get(requestIDHeader)
	if requestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing " + requestIDHeader})
	}

	var req userTradeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid JSON"})
	}

	err := h.svc.Trade(c.UserContext(), requestID, req.SourceUid, req.TargetUid, decimal.NewFromFloat(req.Amount))
	switch {
	case err == nil:
		return c.JSON(okResponse{Msg: "ok", Code: 200, RequestID: requestID})
	case errors.Is(err, batch.ErrDuplicateTrade):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "duplicate request id"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account not found"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "insufficient funds"})
	case errors.Is(err, ledger.ErrNonPositiveAmount):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be positive"})
	default:
		logger.Error("trade failed", zap.String("request_id", requestID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

// QueryUserAmount reads current balances for a list of uids. Accounts the
// ledger has never seen report amount 0.0.
func (h *Handler) QueryUserAmount(c *fiber.Ctx) error {
	var uids []int64
	if err := json.Unmarshal(c.Body(), &uids); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid JSON"})
	}

	rows := make([]userAmountRow, 0, len(uids))
	for _, ua := range h.svc.QueryAmounts(uids) {
		rows = append(rows, userAmountRow{Uid: ua.Uid, Amount: ua.Amount.InexactFloat64()})
	}

	return c.JSON(queryResponse{
		Code:      200,
		Msg:       "ok",
		RequestID: c.Get(requestIDHeader),
		Data:      rows,
	})
}
