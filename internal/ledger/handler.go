package ledger

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chatbank/chatbank/internal/money"
)

// Handler exposes the ledger service over HTTP.
type Handler struct {
	service *Service
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	ExternalUserID string `json:"external_user_id"`
	Name           string `json:"name"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type postingRequest struct {
	Amount money.Money `json:"amount"`
	Note   string      `json:"note"`
}

type accountResponse struct {
	ExternalUserID string      `json:"external_user_id"`
	Name           string      `json:"name"`
	Balance        money.Money `json:"balance"`
	Active         bool        `json:"active"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type transactionResponse struct {
	ID        int64       `json:"id"`
	Kind      string      `json:"kind"`
	Amount    money.Money `json:"amount"`
	Note      string      `json:"note,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func toAccountResponse(acc Account) accountResponse {
	return accountResponse{
		ExternalUserID: acc.ExternalUserID,
		Name:           acc.DisplayName,
		Balance:        acc.Balance,
		Active:         acc.Active,
		CreatedAt:      acc.CreatedAt,
		UpdatedAt:      acc.UpdatedAt,
	}
}

// Register creates or reactivates an account.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return bodyError(err)
	}
	acc, err := h.service.Register(c.UserContext(), req.ExternalUserID, req.Name)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toAccountResponse(acc))
}

// Get returns the active account.
func (h *Handler) Get(c *fiber.Ctx) error {
	acc, err := h.service.GetAccount(c.UserContext(), c.Params("userId"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toAccountResponse(acc))
}

// Rename changes the display name.
func (h *Handler) Rename(c *fiber.Ctx) error {
	var req renameRequest
	if err := c.BodyParser(&req); err != nil {
		return bodyError(err)
	}
	acc, err := h.service.Rename(c.UserContext(), c.Params("userId"), req.Name)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toAccountResponse(acc))
}

// Deactivate soft-deletes the account.
func (h *Handler) Deactivate(c *fiber.Ctx) error {
	if err := h.service.DeactivateAccount(c.UserContext(), c.Params("userId")); err != nil {
		return httpError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Delete removes the account and its history.
func (h *Handler) Delete(c *fiber.Ctx) error {
	if err := h.service.DeleteAccount(c.UserContext(), c.Params("userId")); err != nil {
		return httpError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Balance returns the current balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	userID := c.Params("userId")
	balance, err := h.service.GetBalance(c.UserContext(), userID)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"external_user_id": userID,
		"balance":          balance,
	})
}

// Deposit credits the account.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	return h.post(c, h.service.Deposit)
}

// Withdraw debits the account.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	return h.post(c, h.service.Withdraw)
}

type postingFunc func(ctx context.Context, externalUserID string, amount money.Money, note string) (money.Money, error)

func (h *Handler) post(c *fiber.Ctx, fn postingFunc) error {
	var req postingRequest
	if err := c.BodyParser(&req); err != nil {
		return bodyError(err)
	}
	userID := c.Params("userId")
	balance, err := fn(c.UserContext(), userID, req.Amount, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"external_user_id": userID,
		"balance":          balance,
	})
}

// Transactions lists the most recent transactions, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	userID := c.Params("userId")
	txns, err := h.service.LastTransactions(c.UserContext(), userID, c.QueryInt("limit", 0))
	if err != nil {
		return httpError(err)
	}
	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, transactionResponse{
			ID:        t.ID,
			Kind:      string(t.Kind),
			Amount:    t.Amount,
			Note:      t.Note,
			CreatedAt: t.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"external_user_id": userID,
		"transactions":     out,
	})
}

func bodyError(err error) error {
	if errors.Is(err, money.ErrInvalidAmount) {
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}
	return fiber.NewError(http.StatusBadRequest, "invalid request body")
}

// httpError maps ledger errors to HTTP errors. Storage details never reach the client.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "account not found")
	case errors.Is(err, ErrAlreadyInactive):
		return fiber.NewError(http.StatusConflict, ErrAlreadyInactive.Error())
	case errors.Is(err, ErrConflict):
		return fiber.NewError(http.StatusConflict, "account busy, retry later")
	default:
		return fiber.NewError(http.StatusServiceUnavailable, "ledger temporarily unavailable")
	}
}
