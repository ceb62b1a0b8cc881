// Package api exposes the order ledger over REST and WebSocket. Mutating
// endpoints authenticate by EIP-712 signature recovery: the recovered
// address must match the request's claimed actor, with a per-address
// strictly-increasing nonce for replay protection.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/BunsDev/yobot-engine/pkg/access"
	"github.com/BunsDev/yobot-engine/pkg/crypto"
	"github.com/BunsDev/yobot-engine/pkg/ledger"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	ledger *ledger.OrderLedger
	gate   *access.Gate
	signer *crypto.RequestSigner
	router *mux.Router
	hub    *Hub
	logger *zap.SugaredLogger

	nonceMu sync.Mutex
	nonces  map[common.Address]uint64 // last accepted nonce per actor
}

// NewServer wires the ledger and gate behind the HTTP surface and hooks the
// ledger's event stream into the WebSocket hub.
func NewServer(l *ledger.OrderLedger, gate *access.Gate, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		ledger: l,
		gate:   gate,
		signer: crypto.NewRequestSigner(crypto.DefaultDomain()),
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
		nonces: make(map[common.Address]uint64),
	}

	l.OnEvent = s.broadcastEvent
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/{address}", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{address}/{index}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/ledger/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/admin/config", s.handleSetConfig).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped root handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves HTTP on addr. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.logger.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	buyer, token, ok := s.parseAddrPair(w, req.Buyer, req.Token)
	if !ok {
		return
	}
	sig, ok := s.parseSignature(w, req.Signature)
	if !ok {
		return
	}

	recovered, err := s.signer.RecoverPlaceSigner(&crypto.PlaceRequest{
		Token:    token,
		Quantity: big.NewInt(req.Quantity),
		Payment:  big.NewInt(req.Payment),
		Nonce:    new(big.Int).SetUint64(req.Nonce),
		Buyer:    buyer,
	}, sig)
	if err != nil || recovered != buyer {
		respondError(w, http.StatusUnauthorized, "signature mismatch", "")
		return
	}
	if !s.consumeNonce(buyer, req.Nonce) {
		respondError(w, http.StatusConflict, "stale nonce", "")
		return
	}

	index, err := s.ledger.PlaceOrder(buyer, token, req.Quantity, req.Payment)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}

	respondJSON(w, PlaceOrderResponse{
		Status:    "placed",
		Index:     index,
		PriceEach: req.Payment / req.Quantity,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if !common.IsHexAddress(req.Buyer) {
		respondError(w, http.StatusBadRequest, "invalid buyer address", "")
		return
	}
	buyer := common.HexToAddress(req.Buyer)
	sig, ok := s.parseSignature(w, req.Signature)
	if !ok {
		return
	}

	recovered, err := s.signer.RecoverCancelSigner(&crypto.CancelRequest{
		Index: new(big.Int).SetUint64(req.Index),
		Nonce: new(big.Int).SetUint64(req.Nonce),
		Buyer: buyer,
	}, sig)
	if err != nil || recovered != buyer {
		respondError(w, http.StatusUnauthorized, "signature mismatch", "")
		return
	}
	if !s.consumeNonce(buyer, req.Nonce) {
		respondError(w, http.StatusConflict, "stale nonce", "")
		return
	}

	if err := s.ledger.CancelOrder(buyer, req.Index); err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled"})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	buyer, token, ok := s.parseAddrPair(w, req.Buyer, req.Token)
	if !ok {
		return
	}
	if !common.IsHexAddress(req.Filler) {
		respondError(w, http.StatusBadRequest, "invalid filler address", "")
		return
	}
	filler := common.HexToAddress(req.Filler)
	sig, ok := s.parseSignature(w, req.Signature)
	if !ok {
		return
	}

	recovered, err := s.signer.RecoverFillSigner(&crypto.FillRequest{
		Buyer:    buyer,
		Index:    new(big.Int).SetUint64(req.Index),
		Token:    token,
		Quantity: big.NewInt(req.Quantity),
		FullFill: req.FullFill,
		Nonce:    new(big.Int).SetUint64(req.Nonce),
		Filler:   filler,
	}, sig)
	if err != nil || recovered != filler {
		respondError(w, http.StatusUnauthorized, "signature mismatch", "")
		return
	}
	if !s.consumeNonce(filler, req.Nonce) {
		respondError(w, http.StatusConflict, "stale nonce", "")
		return
	}

	settlement, err := s.ledger.FillOrder(filler, buyer, req.Index, token, req.Quantity, req.FullFill)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}

	respondJSON(w, FillOrderResponse{
		Status:     "filled",
		Quantity:   settlement.Quantity,
		TotalDue:   settlement.TotalDue,
		FeeAmount:  settlement.FeeAmount,
		FillerPaid: settlement.FillerPaid,
		FullFill:   settlement.FullFill,
	})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addrStr)

	orders := s.ledger.OrdersOf(addr)
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfo(addr, uint64(i), o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(vars["address"])
	index, err := strconv.ParseUint(vars["index"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err.Error())
		return
	}

	o, err := s.ledger.ViewUserOrder(addr, index)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, orderInfo(addr, index, o))
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, LedgerStatus{
		CustodiedBalance: s.ledger.CustodiedBalance(),
		LiveOrders:       s.ledger.LiveOrderCount(),
		FeeBips:          s.gate.FeeBips(),
		FeeRecipient:     s.gate.FeeRecipient().Hex(),
		AuthorizedFiller: s.gate.AuthorizedFiller().Hex(),
		Coordinator:      s.gate.Coordinator().Hex(),
	})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if !common.IsHexAddress(req.Coordinator) {
		respondError(w, http.StatusBadRequest, "invalid coordinator address", "")
		return
	}
	coordinator := common.HexToAddress(req.Coordinator)
	if req.Filler != "" && !common.IsHexAddress(req.Filler) {
		respondError(w, http.StatusBadRequest, "invalid filler address", "")
		return
	}
	if req.FeeRecipient != "" && !common.IsHexAddress(req.FeeRecipient) {
		respondError(w, http.StatusBadRequest, "invalid fee recipient address", "")
		return
	}
	filler := common.HexToAddress(req.Filler) // zero when absent
	recipient := common.HexToAddress(req.FeeRecipient)
	sig, ok := s.parseSignature(w, req.Signature)
	if !ok {
		return
	}

	// FeeBips < 0 means "leave unchanged"; the signed payload carries that
	// as an explicit flag with a canonical zero value.
	setFeeBips := req.FeeBips >= 0
	feeBips := req.FeeBips
	if !setFeeBips {
		feeBips = 0
	}
	recovered, err := s.signer.RecoverConfigSigner(&crypto.ConfigRequest{
		Filler:       filler,
		FeeRecipient: recipient,
		FeeBips:      big.NewInt(feeBips),
		SetFeeBips:   setFeeBips,
		Nonce:        new(big.Int).SetUint64(req.Nonce),
		Coordinator:  coordinator,
	}, sig)
	if err != nil || recovered != coordinator {
		respondError(w, http.StatusUnauthorized, "signature mismatch", "")
		return
	}
	if !s.consumeNonce(coordinator, req.Nonce) {
		respondError(w, http.StatusConflict, "stale nonce", "")
		return
	}

	if filler != (common.Address{}) {
		if err := s.gate.SetAuthorizedFiller(coordinator, filler); err != nil {
			s.respondLedgerError(w, err)
			return
		}
	}
	if recipient != (common.Address{}) {
		if err := s.gate.SetFeeRecipient(coordinator, recipient); err != nil {
			s.respondLedgerError(w, err)
			return
		}
	}
	if setFeeBips {
		if err := s.gate.SetFeeBips(coordinator, req.FeeBips); err != nil {
			s.respondLedgerError(w, err)
			return
		}
	}

	s.logger.Infow("gate_config_updated",
		"coordinator", coordinator.Hex(), "filler", req.Filler,
		"fee_recipient", req.FeeRecipient, "fee_bips", req.FeeBips)
	respondJSON(w, map[string]string{"status": "updated"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

// consumeNonce accepts a nonce only if it is strictly greater than the last
// accepted one for actor.
func (s *Server) consumeNonce(actor common.Address, nonce uint64) bool {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if nonce <= s.nonces[actor] {
		return false
	}
	s.nonces[actor] = nonce
	return true
}

func (s *Server) parseAddrPair(w http.ResponseWriter, actor, token string) (common.Address, common.Address, bool) {
	if !common.IsHexAddress(actor) {
		respondError(w, http.StatusBadRequest, "invalid actor address", "")
		return common.Address{}, common.Address{}, false
	}
	if !common.IsHexAddress(token) {
		respondError(w, http.StatusBadRequest, "invalid token address", "")
		return common.Address{}, common.Address{}, false
	}
	return common.HexToAddress(actor), common.HexToAddress(token), true
}

func (s *Server) parseSignature(w http.ResponseWriter, sigHex string) ([]byte, bool) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		respondError(w, http.StatusBadRequest, "invalid signature", "")
		return nil, false
	}
	return sig, true
}

// respondLedgerError maps the ledger's typed errors onto HTTP statuses.
func (s *Server) respondLedgerError(w http.ResponseWriter, err error) {
	var (
		invalidAmount *ledger.InvalidAmountError
		oob           *ledger.OrderOOBError
		nonexistent   *ledger.OrderNonexistentError
		unauthorized  *access.UnauthorizedError
		transferErr   *ledger.TransferError
	)
	switch {
	case errors.As(err, &invalidAmount):
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
	case errors.As(err, &oob):
		respondError(w, http.StatusNotFound, "order out of bounds", err.Error())
	case errors.As(err, &nonexistent):
		respondError(w, http.StatusNotFound, "order nonexistent", err.Error())
	case errors.As(err, &unauthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.As(err, &transferErr):
		respondError(w, http.StatusConflict, "transfer failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func (s *Server) broadcastEvent(e ledger.Event) {
	s.hub.BroadcastToChannel("orders", e)
	s.hub.BroadcastToChannel("orders:"+e.Buyer.Hex(), e)
}

func orderInfo(buyer common.Address, index uint64, o ledger.Order) OrderInfo {
	return OrderInfo{
		Buyer:     buyer.Hex(),
		Index:     index,
		Token:     o.Token.Hex(),
		Quantity:  o.Quantity,
		PriceEach: o.PriceEach,
		Escrow:    o.Escrow,
		Live:      o.Live(),
		CreatedAt: o.CreatedAt,
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
