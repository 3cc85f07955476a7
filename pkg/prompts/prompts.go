package prompts

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed *.md
var PromptsFS embed.FS

// Prompts holds the system prompts for each model call.
type Prompts struct {
	Intent  string // Question to structured intent
	Insight string // Rephrasing of the deterministic narrative
}

func Load() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Intent, err = load("INTENT.md"); err != nil {
		return nil, fmt.Errorf("failed to load INTENT: %w", err)
	}
	if p.Insight, err = load("INSIGHT.md"); err != nil {
		return nil, fmt.Errorf("failed to load INSIGHT: %w", err)
	}
	return p, nil
}

// Fill substitutes {{NAME}} placeholders.
func Fill(prompt string, vars map[string]string) string {
	for k, v := range vars {
		prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", v)
	}
	return prompt
}

func load(path string) (string, error) {
	data, err := PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
