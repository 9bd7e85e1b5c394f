package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/twiliowhatsapp"
)

// webhookValidator is implemented by the real Twilio client.
type webhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service on top of the Twilio REST API. Inbound
// messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	webhookURL string // public URL Twilio posts to; enables signature checks
	receipts   chan models.Receipt
	inbound    chan models.InboundMessage
	mu         sync.RWMutex
	stopped    bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookURL enables X-Twilio-Signature validation against url.
func WithWebhookURL(url string) TwilioOption {
	return func(s *TwilioService) { s.webhookURL = url }
}

// NewTwilioService creates a TwilioService around a Twilio client or MockClient.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:   client,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start is a no-op for Twilio; messages are pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the channels.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.inbound)
	slog.Info("TwilioService stopped and channels closed")
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		return err
	}
	emit(s.receipts, models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Inbound returns the channel of messages posted to the webhook.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// TwilioWebhookHandler parses an inbound Twilio WhatsApp webhook. Text comes
// from Body, the first image from MediaUrl0 and a shared location from
// Latitude/Longitude.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService webhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if v, ok := s.client.(webhookValidator); ok && s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !v.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService webhook: invalid signature", "from", r.PostForm.Get("From"))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg, err := s.parseWebhook(r)
	if err != nil {
		slog.Warn("TwilioService webhook: rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	if !stopped {
		emit(s.inbound, msg)
	}
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		http.Error(w, "Service stopped", http.StatusServiceUnavailable)
		return
	}

	slog.Info("TwilioService inbound message", "from", msg.From, "hasText", msg.Body != "", "hasImage", len(msg.Image) > 0, "hasLocation", msg.Location != nil)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) parseWebhook(r *http.Request) (models.InboundMessage, error) {
	msg := models.InboundMessage{
		From: strings.TrimPrefix(r.FormValue("From"), "whatsapp:"),
		Body: strings.TrimSpace(r.FormValue("Body")),
		Time: time.Now().Unix(),
	}
	if msg.From == "" {
		return msg, fmt.Errorf("missing From")
	}

	if lat, lon := r.FormValue("Latitude"), r.FormValue("Longitude"); lat != "" && lon != "" {
		loc, err := parseLocation(lat, lon)
		if err != nil {
			return msg, err
		}
		msg.Location = &loc
	}

	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		url := r.FormValue("MediaUrl0")
		contentType := r.FormValue("MediaContentType0")
		if url != "" && (contentType == "" || strings.HasPrefix(contentType, "image/")) {
			img, err := s.client.FetchMedia(r.Context(), url, models.MaxImageBytes)
			if err != nil {
				slog.Error("TwilioService webhook: media download failed", "from", msg.From, "error", err)
			} else {
				msg.Image = img
			}
		}
	}

	if !msg.HasContent() {
		return msg, fmt.Errorf("message has no text, image or location")
	}
	return msg, nil
}

func parseLocation(lat, lon string) (models.Location, error) {
	var loc models.Location
	var err error
	if loc.Latitude, err = strconv.ParseFloat(lat, 64); err != nil {
		return loc, fmt.Errorf("invalid latitude %q", lat)
	}
	if loc.Longitude, err = strconv.ParseFloat(lon, 64); err != nil {
		return loc, fmt.Errorf("invalid longitude %q", lon)
	}
	return loc, loc.Validate()
}

// emit pushes v without blocking forever; a full channel drops the event.
func emit[T any](ch chan T, v T) {
	select {
	case ch <- v:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: channel blocked, dropping event", "timeout", DefaultChannelTimeout)
	}
}
