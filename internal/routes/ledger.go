package routes

import (
    "github.com/gofiber/fiber/v2"

    "github.com/chatbank/chatbank/internal/ledger"
)

// RegisterLedgerRoutes wires account and balance endpoints. limit guards the
// balance mutations.
func RegisterLedgerRoutes(r fiber.Router, h *ledger.Handler, limit fiber.Handler) {
    r.Post("/accounts", h.Register)
    r.Get("/accounts/:userId", h.Get)
    r.Put("/accounts/:userId", h.Rename)
    r.Delete("/accounts/:userId", h.Deactivate)
    r.Delete("/accounts/:userId/permanent", h.Delete)
    r.Get("/accounts/:userId/balance", h.Balance)
    r.Post("/accounts/:userId/deposit", limit, h.Deposit)
    r.Post("/accounts/:userId/withdraw", limit, h.Withdraw)
    r.Get("/accounts/:userId/transactions", h.Transactions)
}
