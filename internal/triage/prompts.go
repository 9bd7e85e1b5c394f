package triage

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

//go:embed prompts/*.tmpl
var defaultPromptFS embed.FS

// PromptName identifies one of the workflow prompt templates.
type PromptName string

const (
	PromptClassify PromptName = "classify"
	PromptMild     PromptName = "mild"
	PromptModerate PromptName = "moderate"
	PromptSevere   PromptName = "severe"
	PromptOther    PromptName = "other"
)

var promptNames = []PromptName{PromptClassify, PromptMild, PromptModerate, PromptSevere, PromptOther}

// PromptData is the data every template is rendered with.
type PromptData struct {
	UserInput           string
	ChatHistory         []string
	Conversation        string
	AllowedSpecialities []string
}

// Prompts holds the parsed prompt templates.
type Prompts struct {
	templates map[PromptName]*template.Template
}

// DefaultPrompts returns the embedded prompt set. It panics if an embedded
// template is malformed, like template.Must.
func DefaultPrompts() *Prompts {
	p, err := LoadPrompts("")
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPrompts parses the embedded templates, replacing any of them with a
// <name>.tmpl file found in dir. An empty dir uses only the embedded set.
func LoadPrompts(dir string) (*Prompts, error) {
	p := &Prompts{templates: make(map[PromptName]*template.Template, len(promptNames))}
	for _, name := range promptNames {
		file := string(name) + ".tmpl"
		src, err := fs.ReadFile(defaultPromptFS, "prompts/"+file)
		if err != nil {
			return nil, fmt.Errorf("read embedded prompt %s: %w", name, err)
		}
		if dir != "" {
			override, err := os.ReadFile(filepath.Join(dir, file))
			switch {
			case err == nil:
				slog.Info("Prompts.LoadPrompts: using prompt override", "name", name, "dir", dir)
				src = override
			case !errors.Is(err, fs.ErrNotExist):
				return nil, fmt.Errorf("read prompt override %s: %w", name, err)
			}
		}
		tmpl, err := template.New(file).Option("missingkey=error").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", name, err)
		}
		p.templates[name] = tmpl
	}
	return p, nil
}

// Render executes the named template.
func (p *Prompts) Render(name PromptName, data PromptData) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// userInputs formats the human messages of history as "User Input {i}: {content}",
// where i is the message index in the full history.
func userInputs(history []models.Message) []string {
	out := make([]string, 0, len(history))
	for i, m := range history {
		if m.Role != models.RoleHuman {
			continue
		}
		out = append(out, fmt.Sprintf("User Input %d: %s", i, m.Content))
	}
	return out
}

// transcript renders the whole history for the responders.
func transcript(history []models.Message) string {
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case models.RoleHuman:
			b.WriteString("User: ")
		case models.RoleAI:
			b.WriteString("Assistant: ")
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
