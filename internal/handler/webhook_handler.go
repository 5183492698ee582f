// internal/handler/webhook_handler.go
package handler

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"mime"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/service"
)

// WebhookHandler holds the dependencies for carrier webhooks
type WebhookHandler struct {
	Reconciler *service.Reconciler
	Gate       *service.ComplianceGate
}

type statusPayload struct {
	CarrierMessageID string `json:"carrier_message_id"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

func logger(r *http.Request) *zerolog.Logger {
	return hlog.FromRequest(r)
}

// StatusCallback accepts carrier delivery reports, as Twilio form posts or
// JSON. The carrier always gets 200 unless the message id is missing.
func (h *WebhookHandler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	var p statusPayload
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}
		p.CarrierMessageID = r.PostForm.Get("MessageSid")
		if p.CarrierMessageID == "" {
			p.CarrierMessageID = r.PostForm.Get("SmsSid")
		}
		p.Status = r.PostForm.Get("MessageStatus")
		if p.Status == "" {
			p.Status = r.PostForm.Get("SmsStatus")
		}
		p.ErrorCode = r.PostForm.Get("ErrorCode")
	}

	if p.CarrierMessageID == "" {
		http.Error(w, "missing message id", http.StatusBadRequest)
		return
	}

	log := logger(r).With().Str("carrier_message_id", p.CarrierMessageID).Str("status", p.Status).Logger()
	if err := h.Reconciler.HandleStatusCallback(r.Context(), p.CarrierMessageID, p.Status, p.ErrorCode); err != nil {
		log.Error().Err(err).Msg("failed to apply status callback")
		if derr := h.Reconciler.Defer(r.Context(), p.CarrierMessageID, p.Status, p.ErrorCode); derr != nil {
			log.Error().Err(derr).Msg("failed to defer status callback")
		}
	}
	w.WriteHeader(http.StatusOK)
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func writeTwiML(w http.ResponseWriter, reply string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(twimlResponse{Message: reply})
}

// Inbound handles recipient replies and answers with TwiML. Storage
// failures return 500 so the carrier redelivers the reply.
func (h *WebhookHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	in := service.InboundMessage{
		From:             r.PostForm.Get("From"),
		To:               r.PostForm.Get("To"),
		Body:             r.PostForm.Get("Body"),
		CarrierMessageID: r.PostForm.Get("MessageSid"),
	}

	res, err := h.Gate.HandleInbound(r.Context(), in)
	if errors.Is(err, appErrors.ErrInvalidPhone) {
		logger(r).Warn().Err(err).Str("from", in.From).Msg("inbound message from invalid number")
		writeTwiML(w, "")
		return
	}
	if err != nil {
		logger(r).Error().Err(err).Str("from", in.From).Msg("failed to process inbound message")
		http.Error(w, "failed to process message", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, res.Reply)
}
