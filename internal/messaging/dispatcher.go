package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Commands understood on messaging front-ends.
const (
	CommandStart = "/start"
	CommandReset = "/reset"
)

// Canned replies sent by the dispatcher.
const (
	ErrorReply         = "Sorry, I encountered an error processing your message. Please try again later."
	LocationSavedReply = "Thanks, I've saved your location. I'll use it to suggest nearby pharmacies, hospitals and doctors."
	ResetReply         = "Your conversation has been cleared. You can start describing your symptoms again."
)

// WelcomeMessage is the bilingual greeting sent for /start. The web variant asks
// the browser to allow location sharing; chat apps ask the user to share it.
func WelcomeMessage(web bool) string {
	fr := "Si vous souhaitez recevoir des recommandations de médecins, de pharmacies ou d'hôpitaux, veuillez partager votre position."
	en := "If you want recommendations for doctors, pharmacies or hospitals, please share your location."
	if web {
		fr = "Si vous souhaitez recevoir des recommandations de médecins, de pharmacies ou d'hôpitaux, veuillez autoriser le partage de la localisation."
		en = "If you want recommendations for doctors, pharmacies or hospitals, please allow location sharing."
	}
	return "👋 Bienvenue ! Je suis votre assistante médicale IA.\n\n" +
		"Je peux vous aider à évaluer votre situation médicale et vous conseiller. " +
		"Décrivez vos symptômes ou vos préoccupations, ou envoyez une image accompagnée d'un peu de contexte.\n" +
		fr + "\n\n" +
		"👋 Welcome! I'm your AI medical assistant.\n\n" +
		"I can help you assess medical situations and provide guidance. " +
		"Describe your symptoms or concerns, or send an image along with some context.\n" +
		en
}

// TurnProcessor is the engine surface the dispatcher needs.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, turn models.Turn) (models.Reply, error)
	SetLocation(ctx context.Context, threadID string, loc models.Location) error
	Reset(ctx context.Context, threadID string) error
}

// ImageSaver keeps a copy of inbound images.
type ImageSaver interface {
	Save(threadID string, img []byte) (string, error)
}

// DispatcherOption configures a TurnDispatcher.
type DispatcherOption func(*TurnDispatcher)

// WithImageSaver stores every inbound image through saver.
func WithImageSaver(saver ImageSaver) DispatcherOption {
	return func(d *TurnDispatcher) { d.images = saver }
}

// WithThreadPrefix sets the prefix used to build thread ids from sender ids.
func WithThreadPrefix(prefix string) DispatcherOption {
	return func(d *TurnDispatcher) { d.prefix = prefix }
}

// TurnDispatcher reads inbound messages from a Service, runs them through the
// engine and sends the replies. Each sender has a FIFO queue drained by one
// worker, so a sender's messages are handled in arrival order while different
// senders proceed concurrently.
type TurnDispatcher struct {
	service Service
	engine  TurnProcessor
	images  ImageSaver
	prefix  string
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]models.InboundMessage // a key is present while its worker runs
}

// NewTurnDispatcher creates a dispatcher. Thread ids default to "whatsapp:<sender>".
func NewTurnDispatcher(service Service, engine TurnProcessor, opts ...DispatcherOption) *TurnDispatcher {
	d := &TurnDispatcher{
		service: service,
		engine:  engine,
		prefix:  "whatsapp:",
		queues:  make(map[string][]models.InboundMessage),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ThreadID maps a sender to its conversation thread.
func (d *TurnDispatcher) ThreadID(from string) string {
	return d.prefix + from
}

// Run consumes inbound messages and receipts until ctx is done or the service
// closes its channels, then waits for in-flight messages.
func (d *TurnDispatcher) Run(ctx context.Context) {
	inbound, receipts := d.service.Inbound(), d.service.Receipts()
	defer d.wg.Wait()
	for inbound != nil || receipts != nil {
		select {
		case <-ctx.Done():
			slog.Info("TurnDispatcher.Run: context done, stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			d.enqueue(ctx, msg)
		case r, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("TurnDispatcher.Run: receipt", "to", r.To, "status", r.Status)
		}
	}
	slog.Info("TurnDispatcher.Run: service channels closed")
}

// enqueue appends msg to its sender's queue and starts a worker for the sender
// if none is running.
func (d *TurnDispatcher) enqueue(ctx context.Context, msg models.InboundMessage) {
	key := d.ThreadID(msg.From)
	d.mu.Lock()
	defer d.mu.Unlock()
	queue, running := d.queues[key]
	d.queues[key] = append(queue, msg)
	if running {
		return
	}
	d.wg.Add(1)
	go d.drain(ctx, key)
}

// drain handles the sender's queued messages one at a time and exits once the
// queue is empty.
func (d *TurnDispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		msg := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		d.Handle(ctx, msg)
	}
}

// Handle processes one inbound message and sends the reply.
func (d *TurnDispatcher) Handle(ctx context.Context, msg models.InboundMessage) {
	if !msg.HasContent() {
		return
	}
	threadID := d.ThreadID(msg.From)
	reply := d.reply(ctx, threadID, msg)
	if reply == "" {
		return
	}
	if err := d.service.SendMessage(ctx, msg.From, reply); err != nil {
		slog.Error("TurnDispatcher.Handle: send failed", "threadID", threadID, "error", err)
	}
}

func (d *TurnDispatcher) reply(ctx context.Context, threadID string, msg models.InboundMessage) string {
	switch strings.ToLower(msg.Body) {
	case CommandStart:
		return WelcomeMessage(false)
	case CommandReset:
		if err := d.engine.Reset(ctx, threadID); err != nil {
			slog.Debug("TurnDispatcher.reply: reset on empty thread", "threadID", threadID, "error", err)
		}
		return ResetReply
	}

	if msg.Location != nil && msg.Body == "" && len(msg.Image) == 0 {
		if err := d.engine.SetLocation(ctx, threadID, *msg.Location); err != nil {
			slog.Error("TurnDispatcher.reply: set location failed", "threadID", threadID, "error", err)
			return ErrorReply
		}
		slog.Info("TurnDispatcher.reply: location saved", "threadID", threadID)
		return LocationSavedReply
	}

	if len(msg.Image) > 0 && d.images != nil {
		if _, err := d.images.Save(threadID, msg.Image); err != nil {
			slog.Warn("TurnDispatcher.reply: could not save attachment", "threadID", threadID, "error", err)
		}
	}

	out, err := d.engine.ProcessTurn(ctx, models.Turn{
		ThreadID: threadID,
		Text:     msg.Body,
		Image:    msg.Image,
		Location: msg.Location,
	})
	if err != nil {
		slog.Error("TurnDispatcher.reply: turn failed", "threadID", threadID, "error", err)
		return ErrorReply
	}
	return out.Text
}
