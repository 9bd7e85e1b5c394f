// Package triage implements the severity classification and routing workflow.
//
// A turn is classified into one of four severity labels by the language model
// and handed to the matching responder; Moderate and Severe responses are
// enriched with nearby facilities and doctors when the thread has a location.
package triage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Gateway is the structured language model call used by the classifier and responders.
type Gateway interface {
	GenerateStructured(ctx context.Context, req genai.StructuredRequest, out any) error
}

// SeverityClassifier maps a user message to a severity label.
type SeverityClassifier interface {
	Classify(ctx context.Context, text string, history []models.Message, image []byte) (models.SeverityLabel, error)
}

var classificationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"Severity": map[string]any{
			"type":        "string",
			"enum":        []string{"Mild", "Moderate", "Severe", "Other", "Unknown"},
			"description": "The severity classification of the symptoms.",
		},
	},
	"required":             []string{"Severity"},
	"additionalProperties": false,
}

type classificationOutput struct {
	Severity string `json:"Severity"`
}

// Classifier classifies severity through the Gateway.
type Classifier struct {
	gateway Gateway
	prompts *Prompts
}

// NewClassifier creates a Classifier.
func NewClassifier(gateway Gateway, prompts *Prompts) *Classifier {
	return &Classifier{gateway: gateway, prompts: prompts}
}

// Classify renders the classification prompt with the user's messages from
// history and returns the parsed label. "Unknown" becomes Other.
func (c *Classifier) Classify(ctx context.Context, text string, history []models.Message, image []byte) (models.SeverityLabel, error) {
	prompt, err := c.prompts.Render(PromptClassify, PromptData{
		UserInput:   text,
		ChatHistory: userInputs(history),
	})
	if err != nil {
		return "", newError(KindClassification, "Classify", err)
	}

	var out classificationOutput
	err = c.gateway.GenerateStructured(ctx, genai.StructuredRequest{
		SchemaName: "severity_classification",
		Schema:     classificationSchema,
		Prompt:     prompt,
		Image:      image,
	}, &out)
	if err != nil {
		return "", newError(KindClassification, "Classify", err)
	}

	label, err := models.ParseSeverityLabel(out.Severity)
	if err != nil {
		return "", newError(KindClassification, "Classify", fmt.Errorf("parse model output: %w", err))
	}
	slog.Debug("Classifier.Classify: classified", "raw", out.Severity, "label", label)
	return label, nil
}
