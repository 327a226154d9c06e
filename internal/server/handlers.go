package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/sizing"
	"github.com/quantfall/warden/internal/store"
)

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInputInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrEmergencyHalted):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Health(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "warden",
	})
}

// handlePositions lists active positions.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.coord.Positions()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

// handlePositionRisks lists the latest per-position risk rows.
func (s *Server) handlePositionRisks(w http.ResponseWriter, r *http.Request) {
	risks, err := s.coord.PositionRisks()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, risks)
}

// handlePortfolioRisk returns the latest portfolio-level risk row.
func (s *Server) handlePortfolioRisk(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.URL.Query().Get("portfolio_id")
	if portfolioID == "" {
		portfolioID = "main"
	}

	risk, err := s.coord.PortfolioRisk(portfolioID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, risk)
}

// handleAlerts lists alerts, newest first. Supports active_only,
// severity, entity_type and limit query parameters.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		ActiveOnly: r.URL.Query().Get("active_only") == "true",
		Severity:   domain.Severity(r.URL.Query().Get("severity")),
		EntityType: domain.EntityType(r.URL.Query().Get("entity_type")),
		Limit:      queryInt(r, "limit", 100),
	}

	alerts, err := s.coord.Alerts(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

// handleResolveAlert closes an open alert on operator request.
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.ResolveAlert(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"alert_id": id,
		"status":   "resolved",
	})
}

// handleActions lists risk actions, newest first.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.coord.Actions(queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, actions)
}

// handlePlans lists execution plans with their orders, newest first.
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.coord.Plans(queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

// handleCancelPlan cancels a non-terminal plan on operator request.
func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// Reason is optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.coord.CancelPlan(id, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"plan_id": id,
		"status":  "cancelled",
	})
}

// handleLimits returns every configured limit scope.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.coord.Limits()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

// entryExitResponse reports the trade-management knob block.
type entryExitResponse struct {
	MaxPyramidLevels  int               `json:"max_pyramid_levels"`
	PyramidScale      decimal.Decimal   `json:"pyramid_scale_factor"`
	EntrySpacingPct   decimal.Decimal   `json:"entry_spacing_pct"`
	PartialExitLevels []decimal.Decimal `json:"partial_exit_levels"`
	StopLossPct       decimal.Decimal   `json:"stop_loss_pct"`
	TakeProfitPct     decimal.Decimal   `json:"take_profit_pct"`
	TrailingStopPct   decimal.Decimal   `json:"trailing_stop_pct"`
	TimeExitHours     float64           `json:"time_exit_hours"`
	MaxHoldTimeHours  float64           `json:"max_hold_time_hours"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	p := s.policy
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entry_exit": entryExitResponse{
			MaxPyramidLevels:  p.MaxPyramidLevels,
			PyramidScale:      p.PyramidScale,
			EntrySpacingPct:   p.EntrySpacingPct,
			PartialExitLevels: p.PartialExitLevels,
			StopLossPct:       p.StopLossPct,
			TakeProfitPct:     p.TakeProfitPct,
			TrailingStopPct:   p.TrailingStopPct,
			TimeExitHours:     p.TimeExit.Hours(),
			MaxHoldTimeHours:  p.MaxHoldTime.Hours(),
		},
	})
}

// handleSetLimits upserts one limit scope.
func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var limits domain.RiskLimits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		s.writeError(w, domain.Invalid("malformed limits payload: %v", err))
		return
	}

	if err := s.coord.SetLimits(limits); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"scope":  string(limits.Scope),
		"status": "updated",
	})
}

type sizeCalcRequest struct {
	Symbol     string           `json:"symbol"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	Confidence *decimal.Decimal `json:"confidence,omitempty"`
	Method     string           `json:"method,omitempty"`
}

// handleSizeCalc runs the position sizer for an operator what-if.
func (s *Server) handleSizeCalc(w http.ResponseWriter, r *http.Request) {
	var req sizeCalcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Invalid("malformed sizing payload: %v", err))
		return
	}

	size, err := s.coord.SizePosition(sizing.Request{
		Symbol:     req.Symbol,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		Confidence: req.Confidence,
		Method:     sizing.Method(req.Method),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":     req.Symbol,
		"size_quote": size,
	})
}

// handleTriggerAssessment runs one assessment tick immediately.
func (s *Server) handleTriggerAssessment(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.TriggerAssessment(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "assessed"})
}

// handleWallets lists the managed registry, optionally filtered by
// comma-separated groups.
func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	var groups []domain.WalletGroup
	if raw := r.URL.Query().Get("groups"); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, domain.WalletGroup(g))
			}
		}
	}

	wallets, err := s.coord.Wallets(groups)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wallets)
}

type addWalletRequest struct {
	Address      string          `json:"address"`
	Group        string          `json:"group"`
	GasMin       decimal.Decimal `json:"gas_min"`
	GasMax       decimal.Decimal `json:"gas_max"`
	SweepMin     decimal.Decimal `json:"sweep_min"`
	SweepEnabled bool            `json:"sweep_enabled"`
	AssetAllow   []string        `json:"asset_allow,omitempty"`
	AssetDeny    []string        `json:"asset_deny,omitempty"`
}

// handleAddWallet enrolls or updates a managed wallet.
func (s *Server) handleAddWallet(w http.ResponseWriter, r *http.Request) {
	var req addWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Invalid("malformed wallet payload: %v", err))
		return
	}

	err := s.coord.AddWallet(domain.ManagedWallet{
		Address:      req.Address,
		Group:        domain.WalletGroup(req.Group),
		GasMin:       req.GasMin,
		GasMax:       req.GasMax,
		SweepMin:     req.SweepMin,
		SweepEnabled: req.SweepEnabled,
		AssetAllow:   req.AssetAllow,
		AssetDeny:    req.AssetDeny,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"address": req.Address,
		"status":  "enrolled",
	})
}

// handleRemoveWallet drops a wallet from the managed registry.
func (s *Server) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if err := s.coord.RemoveWallet(address); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": address,
		"status":  "removed",
	})
}

// handleFundJobs lists fund jobs, newest first, optionally filtered
// by kind.
func (s *Server) handleFundJobs(w http.ResponseWriter, r *http.Request) {
	kind := domain.FundJobKind(r.URL.Query().Get("kind"))
	jobs, err := s.coord.FundJobs(kind, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

// handleForceSnapshot runs one balance-snapshot pass immediately.
func (s *Server) handleForceSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ForceSnapshot(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "snapshot taken"})
}

// handleTopUp runs one gas-drip pass immediately.
func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.TopUpNow(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "topup pass complete"})
}

// handleSweep runs one sweeper pass immediately.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.SweepNow(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sweep pass complete"})
}

// handleRebalance runs one rebalancer pass immediately.
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RebalanceNow(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rebalance pass complete"})
}

// handleEmergencyStatus returns the current halt state.
func (s *Server) handleEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.EmergencyStatus())
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

// handleEmergencyStop halts all write-side work on operator request.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	// An empty body is a valid stop request.
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.writeJSON(w, http.StatusOK, s.coord.EmergencyStop(req.Reason))
}

// handleEmergencyResume lowers the halt flag and unpauses the loops.
func (s *Server) handleEmergencyResume(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.EmergencyResume())
}
