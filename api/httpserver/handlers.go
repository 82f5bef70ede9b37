package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/neonveil/sdk-go/core/ledger"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/notify"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/neonveil/sdk-go/core/util"
	"github.com/neonveil/sdk-go/core/veilclient"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20
	// DefaultHeartbeat is the comment interval on idle notification streams.
	DefaultHeartbeat = 15 * time.Second
)

var errBadRequest = errors.New("bad request")

// Backend is what the auction routes are served from; *veilclient.Client
// satisfies it.
type Backend interface {
	types.Client
	Ledger() *ledger.Ledger
	Hub() *notify.Hub
	Status() veilclient.Status
}

var _ Backend = (*veilclient.Client)(nil)

// AuctionHandler exposes auctions, lifecycle operations, the event ledger and
// notifications over JSON.
type AuctionHandler struct {
	backend   Backend
	log       *zap.Logger
	heartbeat time.Duration
}

func NewAuctionHandler(backend Backend, log *zap.Logger) *AuctionHandler {
	return &AuctionHandler{
		backend:   backend,
		log:       logging.OrDefault(log, "api"),
		heartbeat: DefaultHeartbeat,
	}
}

// WithHeartbeat sets the idle interval between stream keep-alive comments.
func (h *AuctionHandler) WithHeartbeat(d time.Duration) *AuctionHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

func (h *AuctionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)

	r.Route("/auctions", func(r chi.Router) {
		r.Get("/", h.handleListAuctions)
		r.Post("/", h.handleCreateAuction)
		r.Get("/active", h.handleActiveAuctions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetAuction)
			r.Get("/events", h.handleAuctionEvents)
			r.Get("/result", h.handleAuctionResult)
			r.Post("/bids", h.handlePlaceBid)
			r.Post("/bids/{bidId}/withdraw", h.handleWithdrawBid)
			r.Post("/end", h.handleEndAuction)
			r.Post("/settle", h.handleSettleAuction)
		})
	})

	r.Get("/bids/{bidId}", h.handleGetBid)

	r.Route("/users/{addr}", func(r chi.Router) {
		r.Get("/auctions", h.handleUserAuctions)
		r.Get("/bids", h.handleUserBids)
		r.Get("/events", h.handleUserEvents)
		r.Get("/reputation", h.handleUserReputation)
	})

	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.handleEvents)
		r.Delete("/", h.handleClearEvents)
		r.Get("/recent", h.handleRecentEvents)
		r.Get("/stats", h.handleEventStats)
	})

	r.Get("/operations", h.handleOperations)
	r.Get("/operations/{opId}", h.handleOperation)

	r.Get("/notifications", h.handleNotifications)
	r.Get("/notifications/stream", h.handleNotificationStream)
}

// ═══════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════

func (h *AuctionHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Status())
}

func (h *AuctionHandler) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	views, err := h.backend.GetAuctionViews(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *AuctionHandler) handleActiveAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := h.backend.GetActiveAuctions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auctions)
}

func (h *AuctionHandler) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.backend.GetAuctionView(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *AuctionHandler) handleAuctionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.backend.Ledger().ByAuction(id))
}

func (h *AuctionHandler) handleAuctionResult(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.backend.GetAuctionResult(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type bidResponse struct {
	types.Bid
	DecryptedAmount *apd.Decimal `json:"decryptedAmount,omitempty"`
}

// handleGetBid returns a bid; ?decrypt=true also decrypts its amount locally.
func (h *AuctionHandler) handleGetBid(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "bidId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bid, err := h.backend.GetBidInfo(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := bidResponse{Bid: *bid}
	if decrypt, _ := strconv.ParseBool(r.URL.Query().Get("decrypt")); decrypt {
		resp.DecryptedAmount, err = h.backend.DecryptAndCache(r.Context(), bid.Amount)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuctionHandler) handleUserAuctions(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	auctions, err := h.backend.GetUserAuctions(r.Context(), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auctions)
}

func (h *AuctionHandler) handleUserBids(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bids, err := h.backend.GetUserBids(r.Context(), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (h *AuctionHandler) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.backend.Ledger().ByParticipant(addr))
}

type reputationResponse struct {
	User             common.Address `json:"user"`
	Reputation       uint32         `json:"reputation"`
	SellerReputation uint32         `json:"sellerReputation"`
}

func (h *AuctionHandler) handleUserReputation(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := reputationResponse{User: addr}
	if resp.Reputation, err = h.backend.GetUserReputation(r.Context(), addr); err != nil {
		h.writeError(w, r, err)
		return
	}
	if resp.SellerReputation, err = h.backend.GetSellerReputation(r.Context(), addr); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ═══════════════════════════════════════════════════════════════
// EVENT LEDGER
// ═══════════════════════════════════════════════════════════════

// handleEvents lists ledger events, newest first, optionally filtered by
// ?kind=, ?auction=, ?participant= and capped by ?limit=.
func (h *AuctionHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	pred, err := eventFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events := []types.ChainEvent{}
	for e := range h.backend.Ledger().Query(pred) {
		if limit > 0 && len(events) == limit {
			break
		}
		events = append(events, e)
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *AuctionHandler) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	h.backend.Ledger().Clear()
	h.log.Info("event ledger cleared")
	w.WriteHeader(http.StatusNoContent)
}

// handleRecentEvents lists events received within ?window= (a Go duration).
func (h *AuctionHandler) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, r, errors.Wrapf(errBadRequest, "invalid window %q", raw))
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, h.backend.Ledger().Recent(window))
}

type eventStatsResponse struct {
	types.EventStats
	Daily []ledger.DayActivity `json:"daily"`
}

func (h *AuctionHandler) handleEventStats(w http.ResponseWriter, r *http.Request) {
	l := h.backend.Ledger()
	writeJSON(w, http.StatusOK, eventStatsResponse{EventStats: l.Stats(), Daily: l.DailyActivity()})
}

// ═══════════════════════════════════════════════════════════════
// LIFECYCLE OPERATIONS
// ═══════════════════════════════════════════════════════════════

type createAuctionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
	// StartingPrice and MinBidIncrement are decimal ether strings.
	StartingPrice   string `json:"startingPrice"`
	MinBidIncrement string `json:"minBidIncrement"`
	// Duration is a Go duration such as "24h".
	Duration string `json:"duration"`
}

func (req createAuctionRequest) input() (types.CreateAuctionInput, error) {
	input := types.CreateAuctionInput{
		Name:        req.Name,
		Description: req.Description,
		ImageURL:    req.ImageURL,
	}
	var err error
	if input.StartingPrice, err = types.ParseAmount(req.StartingPrice); err != nil {
		return input, err
	}
	increment := req.MinBidIncrement
	if increment == "" {
		increment = "0"
	}
	if input.MinBidIncrement, err = types.ParseAmount(increment); err != nil {
		return input, err
	}
	if input.Duration, err = time.ParseDuration(req.Duration); err != nil {
		return input, errors.Wrapf(errBadRequest, "invalid duration %q", req.Duration)
	}
	return input, nil
}

func (h *AuctionHandler) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	input, err := req.input()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.backend.CreateAuction(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type placeBidRequest struct {
	Amount string `json:"amount"`
}

func (h *AuctionHandler) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req placeBidRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.backend.PlaceBid(r.Context(), id, amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *AuctionHandler) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bidID, err := uintParam(r, "bidId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (*types.OperationResult, error) {
		return h.backend.WithdrawBid(ctx, id, bidID)
	})
}

func (h *AuctionHandler) handleEndAuction(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (*types.OperationResult, error) {
		return h.backend.EndAuction(ctx, id)
	})
}

func (h *AuctionHandler) handleSettleAuction(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (*types.OperationResult, error) {
		return h.backend.SettleAuction(ctx, id)
	})
}

type operationsResponse struct {
	Encrypting bool              `json:"encrypting"`
	Bidding    bool              `json:"bidding"`
	Operations []types.Operation `json:"operations"`
}

func (h *AuctionHandler) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, operationsResponse{
		Encrypting: h.backend.IsEncrypting(),
		Bidding:    h.backend.IsBidding(),
		Operations: h.backend.Operations(),
	})
}

func (h *AuctionHandler) handleOperation(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "opId")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, r, errors.Wrapf(errBadRequest, "invalid operation id %q", raw))
		return
	}
	op, ok := h.backend.Operation(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("operation %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// ═══════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════

func (h *AuctionHandler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.backend.Hub().Recent(limit))
}

// handleNotificationStream pushes notifications as server-sent events until
// the client goes away or the hub closes.
func (h *AuctionHandler) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	hub := h.backend.Hub()
	notes := hub.Subscribe()
	defer hub.Unsubscribe(notes)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.log.Warn("cannot encode notification", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// ═══════════════════════════════════════════════════════════════
// HELPER METHODS
// ═══════════════════════════════════════════════════════════════

type errorResponse struct {
	Error  string       `json:"error"`
	TxHash *common.Hash `json:"txHash,omitempty"`
}

func (h *AuctionHandler) respondOperation(w http.ResponseWriter, r *http.Request, op func(context.Context) (*types.OperationResult, error)) {
	result, err := op(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AuctionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var txErr *types.TransactionError
	if errors.As(err, &txErr) && txErr.TxHash != (common.Hash{}) {
		resp.TxHash = &txErr.TxHash
	}
	if status >= http.StatusInternalServerError {
		h.log.Warn("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// statusFor maps the SDK error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		validationErrs validator.ValidationErrors
		txErr          *types.TransactionError
	)
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, types.ErrInvalidAmount), errors.As(err, &validationErrs):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotConnected):
		return http.StatusForbidden
	case errors.As(err, &txErr):
		if txErr.Reason != "" {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case errors.Is(err, types.ErrRead):
		if strings.Contains(err.Error(), "does not exist") {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.Is(err, types.ErrInitialization):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "failed to parse request: %v", err)
	}
	return nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "invalid %s %q", name, raw)
	}
	return v, nil
}

func addressParam(r *http.Request) (common.Address, error) {
	addr, err := util.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		return common.Address{}, errors.Wrap(errBadRequest, err.Error())
	}
	return addr, nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid limit %q", raw)
	}
	return n, nil
}

func eventFilter(r *http.Request) (func(types.ChainEvent) bool, error) {
	q := r.URL.Query()
	var preds []func(types.ChainEvent) bool

	if raw := q.Get("kind"); raw != "" {
		kind := types.EventKind(raw)
		if !lo.Contains(types.EventKinds, kind) {
			return nil, errors.Wrapf(errBadRequest, "unknown event kind %q", raw)
		}
		preds = append(preds, func(e types.ChainEvent) bool { return e.Kind() == kind })
	}
	if raw := q.Get("auction"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(errBadRequest, "invalid auction %q", raw)
		}
		preds = append(preds, func(e types.ChainEvent) bool { return e.InvolvesAuction(id) })
	}
	if raw := q.Get("participant"); raw != "" {
		addr, err := util.ParseAddress(raw)
		if err != nil {
			return nil, errors.Wrap(errBadRequest, err.Error())
		}
		preds = append(preds, func(e types.ChainEvent) bool { return e.Involves(addr) })
	}

	return func(e types.ChainEvent) bool {
		return lo.EveryBy(preds, func(p func(types.ChainEvent) bool) bool { return p(e) })
	}, nil
}
