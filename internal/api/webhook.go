package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/wa-bulk-sender/internal/service"
)

const maxWebhookBytes = 1 << 20

type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Statuses []webhookStatus  `json:"statuses"`
	Messages []webhookMessage `json:"messages"`
}

type webhookStatus struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Timestamp   string         `json:"timestamp"`
	RecipientID string         `json:"recipient_id"`
	Errors      []webhookError `json:"errors"`
}

type webhookError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

type webhookMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
}

// VerifyWebhook answers the subscription handshake.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if mode != "subscribe" || h.webhook.VerifyToken == "" ||
		!hmac.Equal([]byte(token), []byte(h.webhook.VerifyToken)) {
		h.log.Warn("webhook verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// ReceiveWebhook feeds delivery status events to the correlator. Unknown
// message ids are not an error; a store failure answers 500 so the provider
// redelivers.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if h.webhook.AppSecret != "" &&
		!validSignature(h.webhook.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.log.Warn("webhook signature mismatch")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var (
		handled int
		failed  bool
	)
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				h.log.Info("ignoring inbound message", "from", m.From, "type", m.Type, "id", m.ID)
			}
			for _, st := range change.Value.Statuses {
				if _, err := h.events.Handle(r.Context(), toStatusEvent(st)); err != nil {
					h.log.Error("failed to apply webhook status",
						"provider_message_id", st.ID,
						"status", st.Status,
						"error", err,
					)
					failed = true
					continue
				}
				handled++
			}
		}
	}

	if failed {
		writeError(w, http.StatusInternalServerError, "failed to apply some status events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": handled})
}

func toStatusEvent(st webhookStatus) service.StatusEvent {
	ev := service.StatusEvent{
		MessageID:   st.ID,
		Status:      st.Status,
		RecipientID: st.RecipientID,
	}
	if sec, err := strconv.ParseInt(st.Timestamp, 10, 64); err == nil {
		ev.Timestamp = time.Unix(sec, 0).UTC()
	}
	for _, e := range st.Errors {
		msg := e.Message
		if e.ErrorData.Details != "" {
			msg = e.ErrorData.Details
		}
		ev.Errors = append(ev.Errors, service.EventError{Code: e.Code, Title: e.Title, Message: msg})
	}
	return ev
}

func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
