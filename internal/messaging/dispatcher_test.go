package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/twiliowhatsapp"
)

type fakeEngine struct {
	mu        sync.Mutex
	turns     []models.Turn
	locations map[string]models.Location
	resets    []string
	reply     string
	err       error

	imageDelay time.Duration // slows turns carrying an image
	gateThread string        // turns of this thread wait for gate
	gate       chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{locations: map[string]models.Location{}, reply: "Rest and drink water."}
}

func (f *fakeEngine) ProcessTurn(ctx context.Context, turn models.Turn) (models.Reply, error) {
	if len(turn.Image) > 0 && f.imageDelay > 0 {
		time.Sleep(f.imageDelay)
	}
	if f.gate != nil && turn.ThreadID == f.gateThread {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	if f.err != nil {
		return models.Reply{}, f.err
	}
	return models.Reply{ThreadID: turn.ThreadID, Label: models.SeverityMild, Text: f.reply}, nil
}

func (f *fakeEngine) SetLocation(ctx context.Context, threadID string, loc models.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations[threadID] = loc
	return nil
}

func (f *fakeEngine) Reset(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, threadID)
	return nil
}

type fakeSaver struct {
	saved []string
}

func (f *fakeSaver) Save(threadID string, img []byte) (string, error) {
	f.saved = append(f.saved, threadID)
	return "/tmp/" + threadID + ".jpg", nil
}

func newTestDispatcher(opts ...DispatcherOption) (*TurnDispatcher, *fakeEngine, *twiliowhatsapp.MockClient) {
	client := twiliowhatsapp.NewMockClient()
	engine := newFakeEngine()
	return NewTurnDispatcher(NewTwilioService(client), engine, opts...), engine, client
}

func TestHandle_Start(t *testing.T) {
	d, engine, client := newTestDispatcher()
	d.Handle(context.Background(), models.InboundMessage{From: "+33612345678", Body: "/start"})

	sent := client.Sent()
	if len(sent) != 1 || sent[0].Body != WelcomeMessage(false) {
		t.Fatalf("expected welcome message, got %+v", sent)
	}
	if len(engine.turns) != 0 {
		t.Error("/start must not run a turn")
	}
}

func TestWelcomeMessage_Variants(t *testing.T) {
	if !strings.Contains(WelcomeMessage(true), "allow location sharing") {
		t.Error("web welcome should ask to allow location sharing")
	}
	if !strings.Contains(WelcomeMessage(false), "share your location") {
		t.Error("chat welcome should ask to share the location")
	}
	if !strings.Contains(WelcomeMessage(false), "Bienvenue") {
		t.Error("welcome should include the French text")
	}
}

func TestHandle_Reset(t *testing.T) {
	d, engine, client := newTestDispatcher()
	d.Handle(context.Background(), models.InboundMessage{From: "+33612345678", Body: "/reset"})

	if len(engine.resets) != 1 || engine.resets[0] != "whatsapp:+33612345678" {
		t.Errorf("unexpected resets %v", engine.resets)
	}
	if sent := client.Sent(); len(sent) != 1 || sent[0].Body != ResetReply {
		t.Errorf("unexpected reply %+v", sent)
	}
}

func TestHandle_LocationOnly(t *testing.T) {
	d, engine, client := newTestDispatcher()
	loc := models.Location{Latitude: 48.85, Longitude: 2.35}
	d.Handle(context.Background(), models.InboundMessage{From: "+33612345678", Location: &loc})

	if got := engine.locations["whatsapp:+33612345678"]; got != loc {
		t.Errorf("location = %+v, want %+v", got, loc)
	}
	if len(engine.turns) != 0 {
		t.Error("location message must not run a turn")
	}
	if sent := client.Sent(); len(sent) != 1 || sent[0].Body != LocationSavedReply {
		t.Errorf("unexpected reply %+v", sent)
	}
}

func TestHandle_TextTurn(t *testing.T) {
	saver := &fakeSaver{}
	d, engine, client := newTestDispatcher(WithImageSaver(saver))
	d.Handle(context.Background(), models.InboundMessage{From: "+33612345678", Body: "my knee hurts", Image: []byte("jpeg")})

	if len(engine.turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(engine.turns))
	}
	turn := engine.turns[0]
	if turn.ThreadID != "whatsapp:+33612345678" || turn.Text != "my knee hurts" || string(turn.Image) != "jpeg" {
		t.Errorf("unexpected turn %+v", turn)
	}
	if len(saver.saved) != 1 {
		t.Errorf("expected image to be saved once, got %d", len(saver.saved))
	}
	if sent := client.Sent(); len(sent) != 1 || sent[0].Body != "Rest and drink water." || sent[0].To != "+33612345678" {
		t.Errorf("unexpected reply %+v", sent)
	}
}

func TestHandle_EngineError(t *testing.T) {
	d, engine, client := newTestDispatcher()
	engine.err = errors.New("store unavailable")
	d.Handle(context.Background(), models.InboundMessage{From: "+33612345678", Body: "hello"})

	if sent := client.Sent(); len(sent) != 1 || sent[0].Body != ErrorReply {
		t.Errorf("expected error reply, got %+v", sent)
	}
}

func TestHandle_ThreadPrefix(t *testing.T) {
	d, engine, _ := newTestDispatcher(WithThreadPrefix("twilio:"))
	d.Handle(context.Background(), models.InboundMessage{From: "+1555", Body: "hi"})
	if engine.turns[0].ThreadID != "twilio:+1555" {
		t.Errorf("thread id = %q", engine.turns[0].ThreadID)
	}
}

func TestRun_ProcessesUntilStopped(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)
	engine := newFakeEngine()
	d := NewTurnDispatcher(svc, engine)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	svc.inbound <- models.InboundMessage{From: "+33600000001", Body: "headache"}
	svc.inbound <- models.InboundMessage{From: "+33600000002", Body: "cough"}

	deadline := time.Now().Add(2 * time.Second)
	for len(client.Sent()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if got := len(client.Sent()); got != 2 {
		t.Errorf("expected 2 replies, got %d", got)
	}
}

func runDispatcher(t *testing.T, d *TurnDispatcher) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	return func() {
		if err := d.service.Stop(); err != nil {
			t.Fatal(err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
	}
}

func waitForSent(client *twiliowhatsapp.MockClient, n int) {
	deadline := time.Now().Add(3 * time.Second)
	for len(client.Sent()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_KeepsSenderOrder(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)
	engine := newFakeEngine()
	engine.imageDelay = 20 * time.Millisecond
	d := NewTurnDispatcher(svc, engine)
	stop := runDispatcher(t, d)

	const rounds = 5
	for i := 0; i < rounds; i++ {
		svc.inbound <- models.InboundMessage{From: "+331", Image: []byte("rash.jpg")}
		svc.inbound <- models.InboundMessage{From: "+331", Body: "what is this rash"}
	}
	waitForSent(client, 2*rounds)
	stop()

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.turns) != 2*rounds {
		t.Fatalf("expected %d turns, got %d", 2*rounds, len(engine.turns))
	}
	for i, turn := range engine.turns {
		wantImage := i%2 == 0
		if (len(turn.Image) > 0) != wantImage {
			t.Fatalf("turn %d out of arrival order: image=%v text=%q", i, len(turn.Image) > 0, turn.Text)
		}
	}
}

func TestRun_SendersProceedIndependently(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)
	engine := newFakeEngine()
	engine.gateThread = "whatsapp:+331"
	engine.gate = make(chan struct{})
	d := NewTurnDispatcher(svc, engine)
	stop := runDispatcher(t, d)

	svc.inbound <- models.InboundMessage{From: "+331", Body: "chest pain"}
	svc.inbound <- models.InboundMessage{From: "+332", Body: "sore throat"}
	waitForSent(client, 1)

	sent := client.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].To, "+332") {
		t.Errorf("expected only +332 to be answered while +331 is busy, got %+v", sent)
	}

	close(engine.gate)
	waitForSent(client, 2)
	stop()
	if got := len(client.Sent()); got != 2 {
		t.Errorf("expected 2 replies, got %d", got)
	}
}
