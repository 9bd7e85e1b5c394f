package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
)

// User-visible canned replies.
const (
	// FallbackReply is sent when classification or response generation fails.
	FallbackReply = "I apologize, but I couldn't process your request properly. Please try again."
	// ImageReceivedReply acknowledges an image sent without text.
	ImageReceivedReply = "I've received your image. Please provide any additional context or questions about it."
)

// Engine runs one turn through classification and the matching responder.
type Engine struct {
	store      store.Store
	classifier SeverityClassifier
	responders Responders
}

// NewEngine creates an Engine. Every collaborator is required.
func NewEngine(st store.Store, classifier SeverityClassifier, responders Responders) (*Engine, error) {
	switch {
	case st == nil:
		return nil, newError(KindConfiguration, "NewEngine", errors.New("store is required"))
	case classifier == nil:
		return nil, newError(KindConfiguration, "NewEngine", errors.New("classifier is required"))
	case responders.Mild == nil || responders.Moderate == nil || responders.Severe == nil || responders.Other == nil:
		return nil, newError(KindConfiguration, "NewEngine", errors.New("a responder is required for every severity"))
	}
	return &Engine{store: st, classifier: classifier, responders: responders}, nil
}

// ProcessTurn handles one user submission. Classifier and responder failures
// are turned into FallbackReply and still recorded in history; only invalid
// turns and store failures are returned as errors.
func (e *Engine) ProcessTurn(ctx context.Context, turn models.Turn) (models.Reply, error) {
	if err := turn.Validate(); err != nil {
		slog.Warn("Engine.ProcessTurn: invalid turn", "threadID", turn.ThreadID, "error", err)
		return models.Reply{}, newError(KindConfiguration, "ProcessTurn", err)
	}
	threadID := turn.ThreadID

	unlock, err := e.store.LockThread(ctx, threadID)
	if err != nil {
		return models.Reply{}, fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer unlock()

	if turn.Location != nil {
		if err := e.store.SetLocation(ctx, threadID, *turn.Location); err != nil {
			return models.Reply{}, err
		}
	}

	text := strings.TrimSpace(turn.Text)
	if text == "" {
		if err := e.store.SetPendingImage(ctx, threadID, turn.Image); err != nil {
			return models.Reply{}, err
		}
		slog.Info("Engine.ProcessTurn: stored pending image", "threadID", threadID, "bytes", len(turn.Image))
		return models.Reply{ThreadID: threadID, Text: ImageReceivedReply}, nil
	}

	// Store failures from here on return an error and may leave the human
	// message recorded without an AI reply. The pending image is taken last so
	// such a failure keeps it for the next turn.
	if err := e.store.Append(ctx, threadID, models.HumanMessage(text)); err != nil {
		return models.Reply{}, err
	}
	history, err := e.store.GetHistory(ctx, threadID)
	if err != nil {
		return models.Reply{}, err
	}
	location, err := e.store.GetLocation(ctx, threadID)
	if err != nil {
		return models.Reply{}, err
	}

	// Any text turn consumes the pending image, even when it brings its own.
	pending, err := e.store.TakePendingImage(ctx, threadID)
	if err != nil {
		return models.Reply{}, err
	}
	image := turn.Image
	if len(image) == 0 {
		image = pending
	}

	reply := models.Reply{ThreadID: threadID}
	result, err := e.run(ctx, ResponderInput{
		ThreadID: threadID,
		Text:     text,
		History:  history,
		Image:    image,
		Location: location,
	})
	if err != nil {
		slog.Error("Engine.ProcessTurn: turn failed, sending fallback", "threadID", threadID,
			"classification", IsKind(err, KindClassification), "error", err)
		reply.Text = FallbackReply
		reply.Fallback = true
	} else {
		reply.Label = result.Label
		reply.Text = result.ResponseText
	}

	if err := e.store.Append(ctx, threadID, models.AIMessage(reply.Text)); err != nil {
		return models.Reply{}, err
	}
	slog.Info("Engine.ProcessTurn: turn complete", "threadID", threadID, "label", reply.Label, "fallback", reply.Fallback,
		"hasImage", len(image) > 0, "hasLocation", location != nil)
	return reply, nil
}

// run classifies the turn and dispatches to exactly one responder.
func (e *Engine) run(ctx context.Context, in ResponderInput) (models.SeverityResult, error) {
	label, err := e.classifier.Classify(ctx, in.Text, in.History, in.Image)
	if err != nil {
		return models.SeverityResult{}, err
	}
	slog.Debug("Engine.run: dispatching", "threadID", in.ThreadID, "label", label)

	var responder Responder
	switch label {
	case models.SeverityMild:
		responder = e.responders.Mild
	case models.SeverityModerate:
		responder = e.responders.Moderate
	case models.SeveritySevere:
		responder = e.responders.Severe
	case models.SeverityOther:
		responder = e.responders.Other
	default:
		return models.SeverityResult{}, newError(KindClassification, "Engine.run",
			fmt.Errorf("%w: %q", models.ErrInvalidSeverity, label))
	}

	result, err := responder.Respond(ctx, in)
	if err != nil {
		if !IsKind(err, KindResponder) {
			err = newError(KindResponder, "Engine.run", err)
		}
		return models.SeverityResult{}, err
	}
	result.Label = label
	return result, nil
}

// History returns the ordered messages of a thread.
func (e *Engine) History(ctx context.Context, threadID string) ([]models.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, newError(KindConfiguration, "History", models.ErrEmptyThreadID)
	}
	return e.store.GetHistory(ctx, threadID)
}

// SetLocation records a location for the thread outside of a turn.
func (e *Engine) SetLocation(ctx context.Context, threadID string, loc models.Location) error {
	if strings.TrimSpace(threadID) == "" {
		return newError(KindConfiguration, "SetLocation", models.ErrEmptyThreadID)
	}
	if err := loc.Validate(); err != nil {
		return newError(KindConfiguration, "SetLocation", err)
	}
	unlock, err := e.store.LockThread(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()
	return e.store.SetLocation(ctx, threadID, loc)
}

// Reset clears all state of the thread.
func (e *Engine) Reset(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return newError(KindConfiguration, "Reset", models.ErrEmptyThreadID)
	}
	unlock, err := e.store.LockThread(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()
	return e.store.ResetThread(ctx, threadID)
}
