package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/config"
	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// TokenHeader carries the shared secret when one is configured.
const TokenHeader = "X-Webhook-Token"

// maxBodyBytes limits how much of a webhook body is read.
const maxBodyBytes = 1 << 20

// receivedBody is the acknowledgement the upstream expects.
var receivedBody = []byte(`{"status":200,"message":"Received"}`)

// WebhookHandler accepts one device report per call and hands it to the
// relay. Options are read from the holder on every request.
type WebhookHandler struct {
	config *config.Holder
	relay  Relay
	logger *logrus.Entry
}

// NewWebhookHandler creates the inbound webhook handler.
func NewWebhookHandler(cfg *config.Holder, relay Relay, logger *logrus.Entry) *WebhookHandler {
	return &WebhookHandler{
		config: cfg,
		relay:  relay,
		logger: logger.WithField("component", "webhook"),
	}
}

// ServeHTTP implements http.Handler. Outside debug mode the body must pass
// schema validation; in debug mode only the fields the relay reads matter and
// the raw body is logged.
func (wh *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := wh.config.Get()
	if !cfg.Server.Webhook.Enabled {
		http.NotFound(w, r)
		return
	}

	if secret := cfg.Server.Webhook.SecretToken; secret != "" {
		token := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			wh.logger.Warn("webhook received with invalid token")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		wh.logger.WithError(err).Error("failed to read webhook body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	log := wh.logger.WithField("webhook_id", r.PathValue("webhookid"))
	if cfg.Debug {
		log.WithField("body", prettyBody(body)).Info("webhook received")
	}

	report, err := decodeReport(body, cfg.Debug)
	if err != nil {
		log.WithError(err).Warn("failed to parse webhook payload")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !cfg.Debug {
		if err := config.Struct(report); err != nil {
			log.WithError(err).Warn("webhook payload failed validation")
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if _, err := wh.relay.HandleWebhook(r.Context(), report); err != nil {
		if errors.Is(err, track.ErrMissingEntity) {
			log.WithError(err).Warn("webhook payload rejected")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.WithError(err).Error("failed to apply webhook report")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(receivedBody)
}

// decodeReport parses a webhook body. In debug mode only the fields the relay
// reads are decoded.
func decodeReport(body []byte, debug bool) (track.WebhookReport, error) {
	if debug {
		return track.DecodeWebhookLenient(body)
	}
	var report track.WebhookReport
	err := json.Unmarshal(body, &report)
	return report, err
}

// prettyBody indents a JSON body for the debug log, falling back to the raw
// text when it is not JSON.
func prettyBody(body []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return string(body)
	}
	return buf.String()
}
