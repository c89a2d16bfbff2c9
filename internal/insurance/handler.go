package insurance

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/insurance-engine/internal/exposure"
	"github.com/atmx/insurance-engine/internal/formula"
	"github.com/atmx/insurance-engine/internal/model"
)

// Routes mounts the insurance API on r.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Route("/insurances", func(r chi.Router) {
		r.Post("/", s.HandleCreate)
		r.Get("/", s.HandleList)
		r.Get("/{id}", s.HandleGet)
		r.Get("/{id}/contract", s.HandleLedgerRecord)
		r.Put("/{id}/cancel", s.HandleCancel)
	})

	r.Get("/pairs", s.HandlePairs)
	r.Get("/pairs/{symbol}", s.HandlePair)
	r.Get("/pairs/{symbol}/claim-distances", s.HandleClaimDistances)
	r.Get("/stats", s.HandleStats)
	r.Get("/transactions", s.HandleTransactions)
}

// HandleCreate handles POST /api/v1/insurances
func (s *Service) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.WalletAddress == "" {
		writeError(w, "wallet_address is required", http.StatusBadRequest)
		return
	}

	c, err := s.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleList handles GET /api/v1/insurances?user_id=&state=&is_closed=&skip=&limit=
func (s *Service) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := ListQuery{
		UserID: q.Get("user_id"),
		State:  model.State(q.Get("state")),
		Limit:  20,
	}
	if lq.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if lq.State != "" && !lq.State.Valid() {
		writeError(w, "unknown state", http.StatusBadRequest)
		return
	}
	if v := q.Get("is_closed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "is_closed must be a boolean", http.StatusBadRequest)
			return
		}
		lq.IsClosed = b
	}
	for name, dst := range map[string]*int{"skip": &lq.Skip, "limit": &lq.Limit} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, name+" must be a non-negative integer", http.StatusBadRequest)
			return
		}
		*dst = n
	}

	res, err := s.List(r.Context(), lq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGet handles GET /api/v1/insurances/{id}
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.Get(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleLedgerRecord handles GET /api/v1/insurances/{id}/contract
func (s *Service) HandleLedgerRecord(w http.ResponseWriter, r *http.Request) {
	reg, err := s.LedgerRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// HandleCancel handles PUT /api/v1/insurances/{id}/cancel?user_id=
func (s *Service) HandleCancel(w http.ResponseWriter, r *http.Request) {
	c, err := s.Cancel(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandlePairs handles GET /api/v1/pairs
func (s *Service) HandlePairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.Pairs(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}

// HandlePair handles GET /api/v1/pairs/{symbol}
func (s *Service) HandlePair(w http.ResponseWriter, r *http.Request) {
	p, err := s.Pair(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleClaimDistances handles GET /api/v1/pairs/{symbol}/claim-distances
func (s *Service) HandleClaimDistances(w http.ResponseWriter, r *http.Request) {
	dist, err := s.ClaimDistances(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

// HandleStats handles GET /api/v1/stats
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleTransactions handles GET /api/v1/transactions
func (s *Service) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	tx, err := s.Transactions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// badRequest lists the errors a client can fix by changing its request.
var badRequest = []error{
	ErrBadSymbol, ErrMaintained, ErrBadPeriodUnit, ErrCannotCancel, ErrInvalidCancelPrice,
	formula.ErrInvalidQuantity, formula.ErrInvalidClaimPrice, formula.ErrInvalidMargin,
	formula.ErrInvalidPeriod, formula.ErrInvalidPrice,
	exposure.ErrSymbolLimitExceeded, exposure.ErrAssetLimitExceeded,
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	for _, target := range badRequest {
		if errors.Is(err, target) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	slog.Error("request failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
