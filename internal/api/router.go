package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions are the optional layers around the handlers.
type RouterOptions struct {
	RateLimiter *RateLimiter        // nil disables rate limiting
	Gatherer    prometheus.Gatherer // nil disables /metrics
	Middlewares []func(http.Handler) http.Handler
}

// NewRouter mounts every endpoint. Reads are public, writes need a signer
// session.
func NewRouter(h *Handler, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	for _, mw := range opts.Middlewares {
		r.Use(mw)
	}

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws/audit", h.AuditFeed)

	r.Group(func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Middleware)
		}

		// Public endpoints
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
		r.Get("/commitments/{id}", h.GetCommitment)
		r.Get("/batches", h.ListBatches)
		r.Get("/batches/{epoch}", h.GetBatch)
		r.Get("/batches/{epoch}/receipts", h.GetReceipts)
		r.Get("/launches", h.ListLaunches)
		r.Get("/escrows", h.ListEscrows)
		r.Get("/escrows/{id}", h.GetEscrow)
		r.Get("/escrows/{id}/status", h.GetEscrowStatus)
		r.Get("/escrows/{id}/vested", h.GetVested)
		r.Get("/escrows/{id}/proposals", h.ListProposals)
		r.Get("/proposals/{id}", h.GetProposal)
		r.Get("/audit", h.QueryAudit)
		r.Get("/audit/export", h.ExportAudit)

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)
			r.Post("/commitments", h.Commit)
			r.Post("/commitments/{id}/reveal", h.Reveal)
			r.Post("/orders", h.SubmitOrder)
			r.Post("/batches/{epoch}/close", h.CloseBatch)
			r.Post("/batches/{epoch}/settle", h.SettleBatch)
			r.Post("/launches", h.SettleLaunch)
			r.Post("/escrows", h.OpenEscrow)
			r.Post("/escrows/{id}/proposals", h.Propose)
			r.Post("/proposals/{id}/approve", h.Approve)
			r.Post("/proposals/{id}/reject", h.Reject)
			r.Post("/proposals/{id}/execute", h.Execute)
			r.Post("/audit/tx", h.RecordTxHash)
		})
	})
	return r
}
