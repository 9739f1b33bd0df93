package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lmsr-exchange/internal/lmsr"
	"lmsr-exchange/internal/market"
	"lmsr-exchange/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		// TODO: restrict in production
		return true
	},
}

// MarketProvider is the read-only slice of the engine the API serves.
type MarketProvider interface {
	ListMarkets() []*types.Market
	GetMarket(id string) (*types.Market, error)
}

// MarketView is the wire shape of a market on the query surface.
type MarketView struct {
	ID           string       `json:"id"`
	Question     string       `json:"question"`
	Status       types.Status `json:"status"`
	PriceYes     float64      `json:"price_yes"`
	PriceNo      float64      `json:"price_no"`
	TotalVolume  types.Micro  `json:"total_volume"`
	Liquidity    types.Micro  `json:"liquidity"`
	Participants int          `json:"participants"`
	EndTime      time.Time    `json:"end_time"`
	CreatedAt    time.Time    `json:"created_at"`
}

// NewMarketView renders a market with its current LMSR prices.
func NewMarketView(m *types.Market) MarketView {
	return MarketView{
		ID:           m.ID,
		Question:     m.Question,
		Status:       m.Status,
		PriceYes:     lmsr.Price(m.AMM, types.YES),
		PriceNo:      lmsr.Price(m.AMM, types.NO),
		TotalVolume:  m.TotalVolume,
		Liquidity:    m.AMM.B,
		Participants: len(m.Participants()),
		EndTime:      m.EndTime,
		CreatedAt:    m.CreatedAt,
	}
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider MarketProvider
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(provider MarketProvider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleMarkets lists all markets with current prices
func (h *Handlers) HandleMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.provider.ListMarkets()
	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, NewMarketView(m))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		h.logger.Error("failed to encode markets", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleMarket returns one market by ID
func (h *Handlers) HandleMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.provider.GetMarket(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, market.ErrMarketNotFound) {
			http.Error(w, "market not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load market", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(NewMarketView(m)); err != nil {
		h.logger.Error("failed to encode market", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	NewClient(h.hub, conn)
}
