package server

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"qeuro/internal/core"
	"qeuro/internal/fixedpoint"
	"qeuro/internal/projection"
	"qeuro/internal/roles"
)

// Admin routes submit governance and emergency operations. Authorization
// lives in the components themselves; a handler never checks roles, it
// only shapes the operation and reports the verdict.

type committedResponse struct {
	Sequence    int64  `json:"sequence"`
	OperationID string `json:"operation_id"`
}

// submitAdmin is the shared shape of body-less admin mutations.
func (s *HTTPServer) submitAdmin(w http.ResponseWriter, r *http.Request, build func(id uuid.UUID, caller common.Address) core.Operation) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	opID, err := operationID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	res, ok := s.submit(w, r, build(opID, caller))
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, committedResponse{Sequence: res.Sequence, OperationID: opID.String()})
}

func (s *HTTPServer) handlePauseVault(w http.ResponseWriter, r *http.Request) {
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.PauseVaultOp{OperationID: id, Caller: caller}
	})
}

func (s *HTTPServer) handleUnpauseVault(w http.ResponseWriter, r *http.Request) {
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.UnpauseVaultOp{OperationID: id, Caller: caller}
	})
}

func (s *HTTPServer) handlePauseOracle(w http.ResponseWriter, r *http.Request) {
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.PauseOracleOp{OperationID: id, Caller: caller}
	})
}

func (s *HTTPServer) handleUnpauseOracle(w http.ResponseWriter, r *http.Request) {
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.UnpauseOracleOp{OperationID: id, Caller: caller}
	})
}

func (s *HTTPServer) handleTriggerBreaker(w http.ResponseWriter, r *http.Request) {
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.TriggerCircuitBreakerOp{OperationID: id, Caller: caller}
	})
}

func (s *HTTPServer) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.ResetCircuitBreakerOp{OperationID: id, Caller: caller}
	})
}

type updateParametersRequest struct {
	MintFeeBps       uint64 `json:"mint_fee_bps"`
	RedemptionFeeBps uint64 `json:"redemption_fee_bps"`
}

func (s *HTTPServer) handleUpdateParameters(w http.ResponseWriter, r *http.Request) {
	var req updateParametersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.UpdateParametersOp{
			OperationID:      id,
			Caller:           caller,
			MintFeeBps:       req.MintFeeBps,
			RedemptionFeeBps: req.RedemptionFeeBps,
		}
	})
}

type updateOracleRequest struct {
	OracleAddress string `json:"oracle_address"`
}

// handleUpdateOracle repoints the vault at a new oracle address. The
// price source stays the in-process oracle; the address is what the
// vault reports and what recovery rules key on.
func (s *HTTPServer) handleUpdateOracle(w http.ResponseWriter, r *http.Request) {
	var req updateOracleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	if !common.IsHexAddress(req.OracleAddress) {
		s.badRequest(w, "invalid oracle_address %q", req.OracleAddress)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.UpdateOracleOp{
			OperationID:   id,
			Caller:        caller,
			OracleAddress: common.HexToAddress(req.OracleAddress),
			Source:        s.deps.Oracle,
		}
	})
}

type updateBoundsRequest struct {
	MinPrice string `json:"min_price"`
	MaxPrice string `json:"max_price"`
}

func (s *HTTPServer) handleUpdateBounds(w http.ResponseWriter, r *http.Request) {
	var req updateBoundsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	minPrice, err := fixedpoint.FromDecimalString(req.MinPrice)
	if err != nil {
		s.badRequest(w, "min_price: %v", err)
		return
	}
	maxPrice, err := fixedpoint.FromDecimalString(req.MaxPrice)
	if err != nil {
		s.badRequest(w, "max_price: %v", err)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.UpdatePriceBoundsOp{
			OperationID: id,
			Caller:      caller,
			MinPrice:    minPrice,
			MaxPrice:    maxPrice,
		}
	})
}

type updateToleranceRequest struct {
	ToleranceBps uint64 `json:"tolerance_bps"`
}

func (s *HTTPServer) handleUpdateTolerance(w http.ResponseWriter, r *http.Request) {
	var req updateToleranceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.UpdateUsdcToleranceOp{
			OperationID:  id,
			Caller:       caller,
			ToleranceBps: req.ToleranceBps,
		}
	})
}

type updateFeedsRequest struct {
	FeedAddress   string `json:"feed_address"`
	EurUsdFeedID  string `json:"eur_usd_feed_id"`
	UsdcUsdFeedID string `json:"usdc_usd_feed_id"`
}

func (s *HTTPServer) handleUpdateFeeds(w http.ResponseWriter, r *http.Request) {
	var req updateFeedsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	if !common.IsHexAddress(req.FeedAddress) {
		s.badRequest(w, "invalid feed_address %q", req.FeedAddress)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.UpdatePriceFeedsOp{
			OperationID:   id,
			Caller:        caller,
			FeedAddress:   common.HexToAddress(req.FeedAddress),
			EurUsdFeedID:  req.EurUsdFeedID,
			UsdcUsdFeedID: req.UsdcUsdFeedID,
		}
	})
}

type roleRequest struct {
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (s *HTTPServer) parseRoleRequest(w http.ResponseWriter, r *http.Request) (roles.Role, common.Address, bool) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return "", common.Address{}, false
	}
	role := roles.Role(req.Role)
	if !role.Valid() {
		s.badRequest(w, "unknown role %q", req.Role)
		return "", common.Address{}, false
	}
	if !common.IsHexAddress(req.Address) {
		s.badRequest(w, "invalid address %q", req.Address)
		return "", common.Address{}, false
	}
	return role, common.HexToAddress(req.Address), true
}

func (s *HTTPServer) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	role, addr, ok := s.parseRoleRequest(w, r)
	if !ok {
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.GrantRoleOp{OperationID: id, Caller: caller, Role: role, Grantee: addr}
	})
}

func (s *HTTPServer) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	role, addr, ok := s.parseRoleRequest(w, r)
	if !ok {
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.RevokeRoleOp{OperationID: id, Caller: caller, Role: role, Revokee: addr}
	})
}

type withdrawFeesRequest struct {
	To string `json:"to"`
}

func (s *HTTPServer) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req withdrawFeesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	if !common.IsHexAddress(req.To) {
		s.badRequest(w, "invalid to address %q", req.To)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.WithdrawFeesOp{OperationID: id, Caller: caller, To: common.HexToAddress(req.To)}
	})
}

type recoverTokenRequest struct {
	Component string `json:"component"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

func (s *HTTPServer) handleRecoverToken(w http.ResponseWriter, r *http.Request) {
	var req recoverTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	component, ok := parseComponent(req.Component)
	if !ok {
		s.badRequest(w, "unknown component %q", req.Component)
		return
	}
	asset, known := s.deps.Tokens[req.Asset]
	if !known {
		s.badRequest(w, "unknown asset %q", req.Asset)
		return
	}
	amount, err := fixedpoint.FromDecimalString(req.Amount)
	if err != nil {
		s.badRequest(w, "amount: %v", err)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.RecoverTokenOp{
			OperationID: id,
			Caller:      caller,
			Component:   component,
			Asset:       asset,
			Amount:      amount,
		}
	})
}

type recoverNativeRequest struct {
	Component string `json:"component"`
}

func (s *HTTPServer) handleRecoverNative(w http.ResponseWriter, r *http.Request) {
	var req recoverNativeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	component, ok := parseComponent(req.Component)
	if !ok {
		s.badRequest(w, "unknown component %q", req.Component)
		return
	}
	s.submitAdmin(w, r, func(id uuid.UUID, caller common.Address) core.Operation {
		return core.RecoverNativeOp{OperationID: id, Caller: caller, Component: component}
	})
}

func parseComponent(raw string) (core.Component, bool) {
	switch core.Component(raw) {
	case core.ComponentVault:
		return core.ComponentVault, true
	case core.ComponentOracle:
		return core.ComponentOracle, true
	default:
		return "", false
	}
}

// --- operational admin ---

type snapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	CreatedAt string `json:"created_at"`
}

func (s *HTTPServer) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Snapshotter.TakeSnapshot(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, snapshotResponse{
		Sequence:  snap.Sequence,
		StateHash: common.Bytes2Hex(snap.StateHash),
		CreatedAt: snap.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.Rebuild(r.Context(), s.log, s.deps.DB); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}
