// Package api serves the settlement engine over HTTP.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/auth"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/commitreveal"
	"github.com/xtrntr/fairlaunch/internal/escrow"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/launch"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Service     *launch.Service
	AuthService *auth.AuthService

	clock    clock.Clock
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler
func NewHandler(svc *launch.Service, authService *auth.AuthService, clk clock.Clock, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service:     svc,
		AuthService: authService,
		clock:       clk,
		log:         log,
		upgrader: websocket.Upgrader{
			// Origins are enforced by the CORS layer in front of the router.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register handles signer registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignerID string `json:"signerId"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.SignerID == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "Signer id and password required")
		return
	}

	signer, err := h.AuthService.Register(r.Context(), req.SignerID, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrSignerExists) {
			writeMessage(w, http.StatusConflict, "Signer already registered")
			return
		}
		writeMessage(w, http.StatusBadRequest, "Failed to register signer")
		return
	}
	writeJSON(w, http.StatusCreated, signer)
}

// Login handles signer login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignerID string `json:"signerId"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.SignerID, req.Password)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type commitmentRequest struct {
	Params         models.LaunchParams `json:"launchParams"`
	Salt           string              `json:"salt"` // hex
	RevealDelay    *int64              `json:"revealDelaySeconds,omitempty"`
	RevealDeadline *int64              `json:"revealDeadlineSeconds,omitempty"`
}

// Commit stores a hash commitment of launch parameters
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitmentRequest
	if !decode(w, r, &req) {
		return
	}
	salt, ok := decodeSalt(w, req.Salt)
	if !ok {
		return
	}
	var opts []commitreveal.CommitOption
	if req.RevealDelay != nil {
		opts = append(opts, commitreveal.WithRevealDelay(time.Duration(*req.RevealDelay)*time.Second))
	}
	if req.RevealDeadline != nil {
		opts = append(opts, commitreveal.WithRevealDeadline(time.Duration(*req.RevealDeadline)*time.Second))
	}

	c, err := h.Service.Commit(r.Context(), req.Params, salt, opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Reveal opens a commitment
func (h *Handler) Reveal(w http.ResponseWriter, r *http.Request) {
	var req commitmentRequest
	if !decode(w, r, &req) {
		return
	}
	salt, ok := decodeSalt(w, req.Salt)
	if !ok {
		return
	}

	c, err := h.Service.Reveal(r.Context(), chi.URLParam(r, "id"), req.Params, salt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetCommitment returns a commitment and its state
func (h *Handler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		models.Commitment
		State string `json:"state"`
	}{c, c.State(h.clock.Now())})
}

// SubmitOrder places a sealed order in the live batch. Only the receipt is
// returned.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string          `json:"walletAddress"`
		Amount        decimal.Decimal `json:"amount"`
		MaxPrice      decimal.Decimal `json:"maxPrice"`
	}
	if !decode(w, r, &req) {
		return
	}

	o, err := h.Service.SubmitOrder(r.Context(), req.WalletAddress, req.Amount, req.MaxPrice)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o.Receipt())
}

// ListBatches returns every batch; orders are included once settled
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"liveEpoch": h.Service.Auction.LiveEpoch(),
		"batches":   h.Service.Auction.Batches(),
	})
}

// GetBatch returns one batch
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	epoch, ok := epochParam(w, r)
	if !ok {
		return
	}
	b, err := h.Service.Auction.Batch(epoch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetReceipts returns the sealed receipts of a batch
func (h *Handler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	epoch, ok := epochParam(w, r)
	if !ok {
		return
	}
	receipts, err := h.Service.Auction.Receipts(epoch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// CloseBatch stops a batch from accepting orders
func (h *Handler) CloseBatch(w http.ResponseWriter, r *http.Request) {
	epoch, ok := epochParam(w, r)
	if !ok {
		return
	}
	receipts, err := h.Service.CloseBatch(r.Context(), epoch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// SettleBatch clears a batch against an explicit supply
func (h *Handler) SettleBatch(w http.ResponseWriter, r *http.Request) {
	epoch, ok := epochParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Supply decimal.Decimal `json:"supply"`
	}
	if !decode(w, r, &req) {
		return
	}

	b, err := h.Service.SettleBatch(r.Context(), epoch, req.Supply)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// SettleLaunch settles a batch for a revealed launch and opens its dev escrow
func (h *Handler) SettleLaunch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommitmentID string `json:"commitmentId"`
		Epoch        uint64 `json:"epoch"`
	}
	if !decode(w, r, &req) {
		return
	}

	l, b, err := h.Service.SettleLaunch(r.Context(), req.CommitmentID, req.Epoch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"launch": l, "batch": b})
}

// ListLaunches returns the settled launches
func (h *Handler) ListLaunches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Launches())
}

// OpenEscrow creates a standalone vesting escrow
func (h *Handler) OpenEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID              string          `json:"id"`
		TotalAllocation decimal.Decimal `json:"totalAllocation"`
		VestingStart    *time.Time      `json:"vestingStart,omitempty"`
		VestingDays     int             `json:"vestingDays"`
		Signers         []string        `json:"signers"`
		Quorum          int             `json:"quorum"`
	}
	if !decode(w, r, &req) {
		return
	}
	start := h.clock.Now()
	if req.VestingStart != nil {
		start = *req.VestingStart
	}

	e, err := h.Service.OpenEscrow(r.Context(), escrow.EscrowSpec{
		ID:              req.ID,
		TotalAllocation: req.TotalAllocation,
		VestingStart:    start,
		VestingDuration: time.Duration(req.VestingDays) * 24 * time.Hour,
		Signers:         req.Signers,
		Quorum:          req.Quorum,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ListEscrows returns every escrow
func (h *Handler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Ledger.List())
}

// GetEscrow returns one escrow
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.Service.Ledger.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GetEscrowStatus returns the vesting progress of an escrow
func (h *Handler) GetEscrowStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Ledger.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetVested reports the vested amount at ?at= (RFC 3339, default now) and
// what is releasable right now
func (h *Handler) GetVested(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	at := h.clock.Now()
	if s := r.URL.Query().Get("at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid at timestamp")
			return
		}
		at = t
	}

	vested, err := h.Service.Ledger.VestedAmount(id, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	releasable, err := h.Service.Ledger.Releasable(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escrowId":   id,
		"at":         at,
		"vested":     vested,
		"releasable": releasable,
	})
}

// ListProposals returns the proposals of an escrow
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := h.Service.Quorum.List(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

// Propose creates a release proposal as the authenticated signer
func (h *Handler) Propose(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}

	p, err := h.Service.Propose(r.Context(), claims, chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProposal returns one proposal
func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Quorum.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Approve votes for a proposal as the authenticated signer
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	p, err := h.Service.Approve(r.Context(), chi.URLParam(r, "id"), claims)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Reject votes against a proposal as the authenticated signer
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	p, err := h.Service.Reject(r.Context(), chi.URLParam(r, "id"), claims)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Execute retries the release of a proposal that already has quorum
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// QueryAudit returns audit events matching the query string filter
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	events, err := h.Service.Trail.Collect(f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ExportAudit streams matching audit events as CSV
func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := h.Service.Trail.WriteCSV(w, f); err != nil {
		h.log.Error("audit export failed", zap.Error(err))
	}
}

// RecordTxHash appends the chain transaction id of a settled entity
func (h *Handler) RecordTxHash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefID  string `json:"refId"`
		TxHash string `json:"txHash"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RefID == "" || req.TxHash == "" {
		writeMessage(w, http.StatusBadRequest, "refId and txHash required")
		return
	}

	ev, err := h.Service.RecordTxHash(r.Context(), req.RefID, req.TxHash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func auditFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	f := audit.Filter{
		RefID:  q.Get("ref"),
		Search: q.Get("q"),
	}
	if kinds := q.Get("kind"); kinds != "" {
		f.Kinds = strings.Split(kinds, ",")
	}
	if s := q.Get("from"); s != "" {
		from, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid from sequence")
			return f, false
		}
		f.FromSeq = from
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeMessage(w, http.StatusBadRequest, "Invalid limit")
			return f, false
		}
		f.Limit = limit
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if s := q.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeMessage(w, http.StatusBadRequest, "Invalid "+key+" timestamp")
				return f, false
			}
			*dst = t
		}
	}
	return f, true
}

func epochParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid epoch")
		return 0, false
	}
	return epoch, true
}

func decodeSalt(w http.ResponseWriter, s string) ([]byte, bool) {
	salt, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Salt must be hex")
		return nil, false
	}
	return salt, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps a fault kind to its HTTP status.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindTiming, fault.KindSettlement:
		return http.StatusConflict
	case fault.KindAuthorization:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	body := map[string]string{"error": err.Error()}
	if code := fault.CodeOf(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
