package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"qeuro/internal/core"
	"qeuro/internal/fixedpoint"
	"qeuro/internal/roles"
	"qeuro/internal/vault"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// --- price and quotes ---

type priceResponse struct {
	Price                 string    `json:"price"`
	At                    time.Time `json:"at"`
	CircuitBreakerTripped bool      `json:"circuit_breaker_tripped"`
	Paused                bool      `json:"paused"`
	MinPrice              string    `json:"min_price"`
	MaxPrice              string    `json:"max_price"`
	UsdcToleranceBps      uint64    `json:"usdc_tolerance_bps"`
}

// handleGetPrice serves the last validated price from the oracle view.
// The refresh scheduler keeps it current; reads never mutate state, so
// every state transition stays on the engine loop.
func (s *HTTPServer) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Oracle.Snapshot()
	if snap.LastGoodPrice == nil || snap.LastGoodPrice.IsZero() {
		s.respond(w, http.StatusServiceUnavailable, errorResponse{Error: apiError{
			Kind:    "NoPrice",
			Message: "no validated price yet",
		}})
		return
	}
	s.respond(w, http.StatusOK, priceResponse{
		Price:                 fixedpoint.Format(snap.LastGoodPrice),
		At:                    snap.LastGoodAt,
		CircuitBreakerTripped: snap.CircuitBreakerTripped,
		Paused:                snap.Paused,
		MinPrice:              fixedpoint.Format(snap.Config.MinPrice),
		MaxPrice:              fixedpoint.Format(snap.Config.MaxPrice),
		UsdcToleranceBps:      snap.Config.ToleranceBps,
	})
}

type oracleStatusResponse struct {
	CircuitBreakerTripped bool      `json:"circuit_breaker_tripped"`
	Paused                bool      `json:"paused"`
	LastGoodPrice         *string   `json:"last_good_price"`
	LastGoodAt            time.Time `json:"last_good_at"`
	MinPrice              string    `json:"min_price"`
	MaxPrice              string    `json:"max_price"`
	UsdcToleranceBps      uint64    `json:"usdc_tolerance_bps"`
	StaleAfterSeconds     int64     `json:"stale_after_seconds"`
	FeedAddress           string    `json:"feed_address"`
	EurUsdFeedID          string    `json:"eur_usd_feed_id"`
	UsdcUsdFeedID         string    `json:"usdc_usd_feed_id"`
}

// handleOracleStatus serves the full oracle view, including configuration
// and breaker state, whether or not a price has been validated yet.
func (s *HTTPServer) handleOracleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Oracle.Snapshot()
	resp := oracleStatusResponse{
		CircuitBreakerTripped: snap.CircuitBreakerTripped,
		Paused:                snap.Paused,
		LastGoodAt:            snap.LastGoodAt,
		MinPrice:              fixedpoint.Format(snap.Config.MinPrice),
		MaxPrice:              fixedpoint.Format(snap.Config.MaxPrice),
		UsdcToleranceBps:      snap.Config.ToleranceBps,
		StaleAfterSeconds:     int64(snap.Config.StaleAfter / time.Second),
		FeedAddress:           snap.Config.FeedAddress.Hex(),
		EurUsdFeedID:          snap.Config.EurUsdFeedID,
		UsdcUsdFeedID:         snap.Config.UsdcUsdFeedID,
	}
	if snap.LastGoodPrice != nil && !snap.LastGoodPrice.IsZero() {
		price := fixedpoint.Format(snap.LastGoodPrice)
		resp.LastGoodPrice = &price
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role := roles.Role(chi.URLParam(r, "role"))
	if !role.Valid() {
		s.badRequest(w, "unknown role %q", string(role))
		return
	}
	members := make([]string, 0)
	for _, addr := range s.deps.Roles.MembersOf(role) {
		members = append(members, addr.Hex())
	}
	s.respond(w, http.StatusOK, map[string]any{
		"role":    string(role),
		"members": members,
	})
}

type quoteResponse struct {
	Price     string `json:"price"`
	NetAmount string `json:"net_amount"`
	Fee       string `json:"fee"`
}

func (s *HTTPServer) handleQuoteMint(w http.ResponseWriter, r *http.Request) {
	amount, ok := s.amountParam(w, r, "amount")
	if !ok {
		return
	}
	q, err := s.deps.Vault.CalculateMintAmount(amount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, quoteJSON(q))
}

func (s *HTTPServer) handleQuoteRedeem(w http.ResponseWriter, r *http.Request) {
	amount, ok := s.amountParam(w, r, "amount")
	if !ok {
		return
	}
	q, err := s.deps.Vault.CalculateRedeemAmount(amount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, quoteJSON(q))
}

func quoteJSON(q *vault.Quote) quoteResponse {
	return quoteResponse{
		Price:     fixedpoint.Format(q.Price),
		NetAmount: fixedpoint.Format(q.NetAmount),
		Fee:       fixedpoint.Format(q.Fee),
	}
}

// --- mint and redeem ---

type mintRequest struct {
	ReserveAmount   string `json:"reserve_amount"`
	MinSyntheticOut string `json:"min_synthetic_out"`
}

type mintResponse struct {
	Sequence    int64  `json:"sequence"`
	OperationID string `json:"operation_id"`
	BatchID     string `json:"batch_id"`
	ReserveIn   string `json:"reserve_in"`
	NetOut      string `json:"net_out"`
	Fee         string `json:"fee"`
	Price       string `json:"price"`
}

func (s *HTTPServer) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	opID, err := operationID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}

	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	amount, err := fixedpoint.FromDecimalString(req.ReserveAmount)
	if err != nil {
		s.badRequest(w, "reserve_amount: %v", err)
		return
	}
	minOut := uint256.NewInt(0)
	if req.MinSyntheticOut != "" {
		if minOut, err = fixedpoint.FromDecimalString(req.MinSyntheticOut); err != nil {
			s.badRequest(w, "min_synthetic_out: %v", err)
			return
		}
	}

	res, ok := s.submit(w, r, core.MintOp{
		OperationID:     opID,
		Caller:          caller,
		ReserveAmount:   amount,
		MinSyntheticOut: minOut,
	})
	if !ok {
		return
	}

	mr := res.Value.(*vault.MintResult)
	s.respond(w, http.StatusOK, mintResponse{
		Sequence:    res.Sequence,
		OperationID: opID.String(),
		BatchID:     mr.BatchID.String(),
		ReserveIn:   fixedpoint.Format(mr.ReserveIn),
		NetOut:      fixedpoint.Format(mr.NetOut),
		Fee:         fixedpoint.Format(mr.Fee),
		Price:       fixedpoint.Format(mr.Price),
	})
}

type redeemRequest struct {
	SyntheticAmount string `json:"synthetic_amount"`
	MinReserveOut   string `json:"min_reserve_out"`
}

type redeemResponse struct {
	Sequence    int64  `json:"sequence"`
	OperationID string `json:"operation_id"`
	BatchID     string `json:"batch_id"`
	SyntheticIn string `json:"synthetic_in"`
	NetOut      string `json:"net_out"`
	Fee         string `json:"fee"`
	Price       string `json:"price"`
}

func (s *HTTPServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	opID, err := operationID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}

	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	amount, err := fixedpoint.FromDecimalString(req.SyntheticAmount)
	if err != nil {
		s.badRequest(w, "synthetic_amount: %v", err)
		return
	}
	minOut := uint256.NewInt(0)
	if req.MinReserveOut != "" {
		if minOut, err = fixedpoint.FromDecimalString(req.MinReserveOut); err != nil {
			s.badRequest(w, "min_reserve_out: %v", err)
			return
		}
	}

	res, ok := s.submit(w, r, core.RedeemOp{
		OperationID:     opID,
		Caller:          caller,
		SyntheticAmount: amount,
		MinReserveOut:   minOut,
	})
	if !ok {
		return
	}

	rr := res.Value.(*vault.RedeemResult)
	s.respond(w, http.StatusOK, redeemResponse{
		Sequence:    res.Sequence,
		OperationID: opID.String(),
		BatchID:     rr.BatchID.String(),
		SyntheticIn: fixedpoint.Format(rr.SyntheticIn),
		NetOut:      fixedpoint.Format(rr.NetOut),
		Fee:         fixedpoint.Format(rr.Fee),
		Price:       fixedpoint.Format(rr.Price),
	})
}

// --- read models ---

type vaultMetricsResponse struct {
	TotalReserveHeld     string `json:"total_reserve_held"`
	TotalSyntheticMinted string `json:"total_synthetic_minted"`
	AccumulatedFees      string `json:"accumulated_fees"`
	MintFeeBps           uint64 `json:"mint_fee_bps"`
	RedemptionFeeBps     uint64 `json:"redemption_fee_bps"`
	Paused               bool   `json:"paused"`
	OracleAddress        string `json:"oracle_address"`
}

func (s *HTTPServer) handleVaultMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.deps.Vault.Metrics()
	s.respond(w, http.StatusOK, vaultMetricsResponse{
		TotalReserveHeld:     fixedpoint.Format(m.TotalReserveHeld),
		TotalSyntheticMinted: fixedpoint.Format(m.TotalSyntheticMinted),
		AccumulatedFees:      fixedpoint.Format(m.AccumulatedFees),
		MintFeeBps:           m.MintFeeBps,
		RedemptionFeeBps:     m.RedemptionFeeBps,
		Paused:               m.Paused,
		OracleAddress:        m.OracleAddress.Hex(),
	})
}

func (s *HTTPServer) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	limit, before, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	samples, err := s.deps.Query.GetPriceHistory(r.Context(), limit, before)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"prices": samples})
}

func (s *HTTPServer) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	limit, before, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	var caller *string
	if raw := r.URL.Query().Get("caller"); raw != "" {
		caller = &raw
	}
	ops, err := s.deps.Query.GetOperationHistory(r.Context(), caller, limit, before)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.badRequest(w, "invalid from %q", raw)
			return
		}
		from = v
	}
	events, err := s.deps.Query.GetEvents(r.Context(), from, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if batchID := q.Get("batch_id"); batchID != "" {
		entries, err := s.deps.Query.GetJournalByBatch(r.Context(), batchID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"journals": entries})
		return
	}

	account := q.Get("account")
	if account == "" {
		s.badRequest(w, "batch_id or account required")
		return
	}
	limit, before, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Query.GetJournalByAccount(r.Context(), account, limit, before)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"journals": entries})
}

// --- param helpers ---

func (s *HTTPServer) amountParam(w http.ResponseWriter, r *http.Request, name string) (*uint256.Int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		s.badRequest(w, "%s required", name)
		return nil, false
	}
	v, err := fixedpoint.FromDecimalString(raw)
	if err != nil {
		s.badRequest(w, "%s: %v", name, err)
		return nil, false
	}
	return v, true
}

func (s *HTTPServer) pageParams(w http.ResponseWriter, r *http.Request) (int, *int64, bool) {
	q := r.URL.Query()
	limit := defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxPageLimit {
			s.badRequest(w, "invalid limit %q", raw)
			return 0, nil, false
		}
		limit = v
	}
	var before *int64
	if raw := q.Get("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			s.badRequest(w, "invalid before %q", raw)
			return 0, nil, false
		}
		before = &v
	}
	return limit, before, true
}
