// Package natsverify answers token verification requests over NATS
// request/reply, behind the same API-key gate as the HTTP endpoint.
package natsverify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/crafteriauth/internal/store"
	"github.com/example/crafteriauth/internal/verification"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const requestTimeout = 5 * time.Second

// Gate is the part of verification.Service the handler needs.
type Gate interface {
	Authorize(ctx context.Context, apiKey string) (*store.Service, error)
	Verify(ctx context.Context, caller *store.Service, raw string) (store.Identity, error)
}

type Handler struct {
	gate      Gate
	log       zerolog.Logger
	respondFn func(msg *nats.Msg, resp verifyResponse)
}

type verifyRequest struct {
	APIKey string `json:"api_key"`
	Token  string `json:"token"`
}

type verifyResponse struct {
	Valid bool            `json:"valid"`
	User  *store.Identity `json:"user,omitempty"`
	Error string          `json:"error,omitempty"`
}

func NewHandler(gate Gate, log zerolog.Logger) *Handler {
	h := &Handler{gate: gate, log: log}
	h.respondFn = h.respond
	return h
}

// Subscribe joins queue on subject so several broker instances share the load.
func (h *Handler) Subscribe(conn *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	if conn == nil {
		return nil, errors.New("nats connection is nil")
	}
	return conn.QueueSubscribe(subject, queue, h.handle)
}

func (h *Handler) handle(msg *nats.Msg) {
	var req verifyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.respondFn(msg, verifyResponse{Error: "invalid_payload"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	caller, err := h.gate.Authorize(ctx, req.APIKey)
	if err != nil {
		h.respondFn(msg, verifyResponse{Error: verification.GateMessage(err)})
		return
	}

	user, err := h.gate.Verify(ctx, caller, req.Token)
	switch {
	case errors.Is(err, verification.ErrInvalidToken):
		h.respondFn(msg, verifyResponse{Error: verification.MsgInvalidToken})
	case err != nil:
		h.respondFn(msg, verifyResponse{Error: verification.MsgVerificationError})
	default:
		h.respondFn(msg, verifyResponse{Valid: true, User: &user})
	}
}

func (h *Handler) respond(msg *nats.Msg, resp verifyResponse) {
	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil {
		h.log.Warn().Err(err).Msg("nats respond failed")
	}
}
