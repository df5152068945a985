package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"telegram-ingest-fabric/internal/infra/logger"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// voiceTwiML / smsTwiML are the literal TwiML bodies the telephony provider
// expects back: record-then-hangup for an inbound call, an empty messaging
// response for an inbound SMS (we only relay to the admin channel, we don't
// reply through the telephony leg).
const (
	voiceTwiML = `<Response><Record/><Hangup/></Response>`
	smsTwiML   = `<Response></Response>`

	webhookForwardTimeout = 5 * time.Second
)

// handleBotWebhook receives a bot account's update push. The full ingress
// dispatch for bot-sourced updates is out of scope here (the spec's Non-goal
// excludes the webhook HTTP server itself) — this endpoint's job is to
// acknowledge receipt and surface a short summary to the admin channel so a
// human notices the bot is alive and receiving traffic.
func (s *Server) handleBotWebhook(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var upd gotgbot.Update
	if err := render.DecodeJSON(r.Body, &upd); err != nil {
		logger.Errorf("web: bot webhook %s: decode update: %v", token, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.forward(r.Context(), summarizeUpdate(token, upd))
	w.WriteHeader(http.StatusOK)
}

func summarizeUpdate(token string, upd gotgbot.Update) string {
	if upd.Message != nil {
		return fmt.Sprintf("bot webhook [%s]: message from %d: %s", token, upd.Message.From.Id, upd.Message.Text)
	}
	return fmt.Sprintf("bot webhook [%s]: update_id=%d", token, upd.UpdateId)
}

// handleVoiceWebhook answers an inbound call with Record+Hangup TwiML and
// forwards caller/callee to the admin channel.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	from, to := r.FormValue("From"), r.FormValue("To")
	s.forward(r.Context(), fmt.Sprintf("incoming call: %s -> %s", from, to))
	respondTwiML(w, voiceTwiML)
}

// handleSMSWebhook answers an inbound SMS with an empty TwiML messaging
// response and forwards sender/recipient/body to the admin channel.
func (s *Server) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	from, to, body := r.FormValue("From"), r.FormValue("To"), r.FormValue("Body")
	s.forward(r.Context(), fmt.Sprintf("incoming SMS: %s -> %s: %s", from, to, body))
	respondTwiML(w, smsTwiML)
}

func (s *Server) forward(ctx context.Context, text string) {
	if s.forwardToAdmin == nil {
		logger.Info("web: " + text + " (no admin forward configured)")
		return
	}
	fctx, cancel := context.WithTimeout(ctx, webhookForwardTimeout)
	defer cancel()
	if err := s.forwardToAdmin(fctx, text); err != nil {
		logger.Errorf("web: forward to admin failed: %v", err)
	}
}

func respondTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte(body))
}
