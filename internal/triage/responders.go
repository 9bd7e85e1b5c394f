package triage

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/lookup"
	"github.com/BTreeMap/TriagePipe/internal/models"
)

// ErrEmptyResponse is returned when the model produced no response text.
var ErrEmptyResponse = errors.New("empty response text")

// ResponderInput is everything a responder may use to answer a turn.
type ResponderInput struct {
	ThreadID string
	Text     string
	History  []models.Message // includes the current human message
	Image    []byte
	Location *models.Location
}

// Responder produces the reply for one severity label.
type Responder interface {
	Respond(ctx context.Context, in ResponderInput) (models.SeverityResult, error)
}

// Responders bundles one responder per severity label.
type Responders struct {
	Mild     Responder
	Moderate Responder
	Severe   Responder
	Other    Responder
}

// NewResponders builds the four default responders. A nil enricher disables enrichment.
func NewResponders(gateway Gateway, prompts *Prompts, enricher *Enricher) Responders {
	return Responders{
		Mild:     &MildResponder{gateway: gateway, prompts: prompts},
		Moderate: &ModerateResponder{gateway: gateway, prompts: prompts, enricher: enricher},
		Severe:   &SevereResponder{gateway: gateway, prompts: prompts, enricher: enricher},
		Other:    &OtherResponder{gateway: gateway, prompts: prompts},
	}
}

var responseOnlySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"Response": map[string]any{"type": "string"},
	},
	"required":             []string{"Response"},
	"additionalProperties": false,
}

var moderateSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"Recommended_Specialists": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"Response": map[string]any{"type": "string"},
	},
	"required":             []string{"Recommended_Specialists", "Response"},
	"additionalProperties": false,
}

type responseOutput struct {
	Response string `json:"Response"`
}

type moderateOutput struct {
	RecommendedSpecialists []string `json:"Recommended_Specialists"`
	Response               string   `json:"Response"`
}

// generate renders a responder prompt and runs it through the gateway.
func generate(ctx context.Context, gw Gateway, prompts *Prompts, name PromptName, schema map[string]any, in ResponderInput, out any) error {
	prompt, err := prompts.Render(name, PromptData{
		UserInput:           in.Text,
		ChatHistory:         userInputs(in.History),
		Conversation:        transcript(in.History),
		AllowedSpecialities: models.AllowedSpecialities(),
	})
	if err != nil {
		return err
	}
	return gw.GenerateStructured(ctx, genai.StructuredRequest{
		SchemaName: string(name) + "_response",
		Schema:     schema,
		Prompt:     prompt,
		Image:      in.Image,
	}, out)
}

func responseText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyResponse
	}
	return s, nil
}

// MildResponder gives self-care advice.
type MildResponder struct {
	gateway Gateway
	prompts *Prompts
}

func (r *MildResponder) Respond(ctx context.Context, in ResponderInput) (models.SeverityResult, error) {
	var out responseOutput
	if err := generate(ctx, r.gateway, r.prompts, PromptMild, responseOnlySchema, in, &out); err != nil {
		return models.SeverityResult{}, newError(KindResponder, "MildResponder.Respond", err)
	}
	text, err := responseText(out.Response)
	if err != nil {
		return models.SeverityResult{}, newError(KindResponder, "MildResponder.Respond", err)
	}
	return models.SeverityResult{Label: models.SeverityMild, ResponseText: text}, nil
}

// ModerateResponder recommends specialists and, with a location, nearby pharmacies and doctors.
type ModerateResponder struct {
	gateway  Gateway
	prompts  *Prompts
	enricher *Enricher
}

func (r *ModerateResponder) Respond(ctx context.Context, in ResponderInput) (models.SeverityResult, error) {
	var out moderateOutput
	if err := generate(ctx, r.gateway, r.prompts, PromptModerate, moderateSchema, in, &out); err != nil {
		return models.SeverityResult{}, newError(KindResponder, "ModerateResponder.Respond", err)
	}
	text, err := responseText(out.Response)
	if err != nil {
		return models.SeverityResult{}, newError(KindResponder, "ModerateResponder.Respond", err)
	}

	specialities := models.FilterSpecialities(out.RecommendedSpecialists)
	if dropped := len(out.RecommendedSpecialists) - len(specialities); dropped > 0 {
		slog.Debug("ModerateResponder.Respond: dropped specialities outside allow-list", "threadID", in.ThreadID, "dropped", dropped)
	}

	if in.Location != nil && r.enricher != nil {
		text += r.enricher.Enrich(ctx, in.ThreadID, EnrichmentRequest{
			Location:         *in.Location,
			FacilityCategory: lookup.CategoryPharmacy,
			FacilityTitle:    TitlePharmacies,
			Specialities:     specialities,
		})
	}
	return models.SeverityResult{
		Label:                   models.SeverityModerate,
		ResponseText:            text,
		RecommendedSpecialities: specialities,
	}, nil
}

// SevereResponder directs the user to emergency care and, with a location,
// lists hospitals and general practitioners offering urgent slots.
type SevereResponder struct {
	gateway  Gateway
	prompts  *Prompts
	enricher *Enricher
}

func (r *SevereResponder) Respond(ctx context.Context, in ResponderInput) (models.SeverityResult, error) {
	var out responseOutput
	if err := generate(ctx, r.gateway, r.prompts, PromptSevere, responseOnlySchema, in, &out); err != nil {
		return models.SeverityResult{}, newError(KindResponder, "SevereResponder.Respond", err)
	}
	text, err := responseText(out.Response)
	if err != nil {
		return models.SeverityResult{}, newError(KindResponder, "SevereResponder.Respond", err)
	}

	if in.Location != nil && r.enricher != nil {
		text += r.enricher.Enrich(ctx, in.ThreadID, EnrichmentRequest{
			Location:         *in.Location,
			FacilityCategory: lookup.CategoryHospital,
			FacilityTitle:    TitleHospitals,
			Specialities:     []string{models.SpecialityGeneralPractitioner},
			Urgent:           true,
		})
	}
	return models.SeverityResult{Label: models.SeveritySevere, ResponseText: text}, nil
}

// OtherResponder asks a clarifying question.
type OtherResponder struct {
	gateway Gateway
	prompts *Prompts
}

func (r *OtherResponder) Respond(ctx context.Context, in ResponderInput) (models.SeverityResult, error) {
	var out responseOutput
	if err := generate(ctx, r.gateway, r.prompts, PromptOther, responseOnlySchema, in, &out); err != nil {
		return models.SeverityResult{}, newError(KindResponder, "OtherResponder.Respond", err)
	}
	text, err := responseText(out.Response)
	if err != nil {
		return models.SeverityResult{}, newError(KindResponder, "OtherResponder.Respond", err)
	}
	return models.SeverityResult{Label: models.SeverityOther, ResponseText: text}, nil
}
