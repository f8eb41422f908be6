package handlers

import (
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) SetRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {

		// public routes here
		r.Get("/health", h.HealthHandler)
		r.Get("/ws", h.HandleWebSocket)
		r.Get("/games/{address}", h.GetGameHandler)
		r.Get("/vaults/derive/{owner}", h.DeriveVaultHandler)
		r.Get("/vaults/{address}", h.GetVaultHandler)
		r.Get("/accounts/{address}/balance", h.BalanceHandler)

		// Secure routes, the token subject is the signer
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Post("/games", h.InitGameHandler)
			r.Post("/games/{address}/{op}", h.GameOpHandler)
			r.Post("/faucet", h.FaucetHandler)
		})
	})
}

func (h *Handler) InitAuth(jwtKey string, debug bool) {
	h.tokenAuth = jwtauth.New("HS256", []byte(jwtKey), nil)

	if debug {
		_, tokenString, _ := h.tokenAuth.Encode(map[string]interface{}{
			"sub": "debug-player",
			"exp": time.Now().Add(7 * 24 * time.Hour).Unix(),
		})
		log.Infof("DEBUG: JWT for testing expires soon : %s", tokenString)
	}
}

// IssueToken signs a token for subject, for tooling and tests.
func (h *Handler) IssueToken(subject string, ttl time.Duration) (string, error) {
	_, tokenString, err := h.tokenAuth.Encode(map[string]interface{}{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return tokenString, err
}
