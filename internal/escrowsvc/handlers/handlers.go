package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/avvvet/escrow-services/internal/comm"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/avvvet/escrow-services/internal/escrowsvc/service"
	"github.com/avvvet/escrow-services/internal/escrowsvc/ws"
	"github.com/decred/base58"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	tokenAuth     *jwtauth.JWTAuth
	escrowService *service.EscrowService
	ws            *ws.Ws
	upgrader      websocket.Upgrader
	faucet        bool
	port          string
}

type Options struct {
	FaucetEnabled bool
	Port          string
}

func NewHandler(escrowService *service.EscrowService, hub *ws.Ws, opts Options) *Handler {
	return &Handler{
		escrowService: escrowService,
		ws:            hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		faucet: opts.FaucetEnabled,
		port:   opts.Port,
	}
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   interface{} `json:"error,omitempty"`
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)

	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	h.CreateResponse(w, Response{
		Message: "rejected",
		Code:    statusFor(err),
		Error:   comm.NewErrorBody(err),
	})
}

// statusFor maps escrow rejections onto HTTP status codes.
func statusFor(err error) int {
	e, ok := escrow.CodeOf(err)
	switch {
	case !ok:
		return http.StatusInternalServerError
	case e == escrow.ErrGameNotFound || e == escrow.ErrVaultNotFound:
		return http.StatusNotFound
	case e.Class == escrow.ClassAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "escrow service is running at port " + h.port,
		Code:    http.StatusOK,
	})
}

// signer is the identity proven by the bearer token.
func signer(r *http.Request) (escrow.Address, bool) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return "", false
	}
	sub, _ := claims["sub"].(string)
	return escrow.Address(sub), sub != ""
}

type initGameRequest struct {
	Stake decimal.Decimal `json:"stake"`
}

// InitGameHandler mints a fresh game account, which the service co-signs,
// and initializes it for the caller.
func (h *Handler) InitGameHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := signer(r)
	if !ok {
		h.CreateResponse(w, Response{Message: "missing subject", Code: http.StatusUnauthorized})
		return
	}

	var req initGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.CreateResponse(w, Response{Message: "invalid request body", Code: http.StatusBadRequest, Error: err.Error()})
		return
	}

	id := uuid.New()
	game := escrow.Address(base58.Encode(id[:]))

	res, err := h.escrowService.Execute(r.Context(), escrow.OpInitGame, comm.OpRequest{
		User:    user,
		Game:    game,
		Signers: []escrow.Address{user, game},
		Stake:   req.Stake,
	})
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{Message: "game created", Code: http.StatusCreated, Data: res})
}

var gameOps = map[string]bool{
	escrow.OpJoinGame:  true,
	escrow.OpClaimBack: true,
	escrow.OpSettle:    true,
	escrow.OpResign:    true,
	escrow.OpCancel:    true,
	escrow.OpExpire:    true,
}

type gameOpRequest struct {
	Vault escrow.Address `json:"vault"`
}

func (h *Handler) GameOpHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := signer(r)
	if !ok {
		h.CreateResponse(w, Response{Message: "missing subject", Code: http.StatusUnauthorized})
		return
	}

	op := chi.URLParam(r, "op")
	if !gameOps[op] {
		h.CreateResponse(w, Response{Message: "unknown operation " + op, Code: http.StatusNotFound})
		return
	}

	// the body is optional; an explicit vault is checked by the engine
	var req gameOpRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.CreateResponse(w, Response{Message: "invalid request body", Code: http.StatusBadRequest, Error: err.Error()})
			return
		}
	}

	res, err := h.escrowService.Execute(r.Context(), op, comm.OpRequest{
		User:    user,
		Game:    escrow.Address(chi.URLParam(r, "address")),
		Vault:   req.Vault,
		Signers: []escrow.Address{user},
	})
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{Message: op + " accepted", Code: http.StatusOK, Data: res})
}

func (h *Handler) GetGameHandler(w http.ResponseWriter, r *http.Request) {
	game, err := h.escrowService.GetGame(r.Context(), escrow.Address(chi.URLParam(r, "address")))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{Message: "ok", Code: http.StatusOK, Data: game})
}

func (h *Handler) GetVaultHandler(w http.ResponseWriter, r *http.Request) {
	vault, err := h.escrowService.GetVault(r.Context(), escrow.Address(chi.URLParam(r, "address")))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{Message: "ok", Code: http.StatusOK, Data: vault})
}

func (h *Handler) DeriveVaultHandler(w http.ResponseWriter, r *http.Request) {
	owner := escrow.Address(chi.URLParam(r, "owner"))
	h.CreateResponse(w, Response{
		Message: "ok",
		Code:    http.StatusOK,
		Data:    map[string]escrow.Address{"owner": owner, "vault": h.escrowService.DeriveVault(owner)},
	})
}

func (h *Handler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	addr := escrow.Address(chi.URLParam(r, "address"))
	balance, err := h.escrowService.GetBalance(r.Context(), addr)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "ok",
		Code:    http.StatusOK,
		Data:    map[string]interface{}{"address": addr, "balance": balance},
	})
}

func (h *Handler) FaucetHandler(w http.ResponseWriter, r *http.Request) {
	if !h.faucet {
		h.CreateResponse(w, Response{Message: "faucet disabled", Code: http.StatusNotFound})
		return
	}

	var req comm.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		if err == nil {
			err = errors.New("address is required")
		}
		h.CreateResponse(w, Response{Message: "invalid request body", Code: http.StatusBadRequest, Error: err.Error()})
		return
	}

	res, err := h.escrowService.Deposit(r.Context(), req.Address, req.Amount)
	if err != nil {
		h.CreateResponse(w, Response{Message: "deposit failed", Code: http.StatusBadRequest, Error: err.Error()})
		return
	}
	h.CreateResponse(w, Response{Message: "deposit credited", Code: http.StatusOK, Data: res})
}

// HandleWebSocket subscribes the socket to events of ?game=, or all events.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	socketId := uuid.New().String()
	h.ws.StoreConnection(socketId, conn, escrow.Address(r.URL.Query().Get("game")))
	log.Infof("New WebSocket connection established: %s", socketId)

	go h.handleConnection(conn, socketId)
}

// the feed is one-way; reading only detects the close
func (h *Handler) handleConnection(conn *websocket.Conn, socketId string) {
	defer func() {
		log.Infof("Closing WebSocket connection: %s", socketId)
		conn.Close()
		h.ws.HandleDisconnect(socketId)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("WebSocket unexpected close error for socket %s: %v", socketId, err)
			}
			return
		}
	}
}
