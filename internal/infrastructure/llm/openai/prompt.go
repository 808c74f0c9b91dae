package openai

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompt.yaml
var defaultPromptYAML []byte

// Prompt is the fixed instruction set sent with every normalization request.
type Prompt struct {
	Version       int    `yaml:"version"`
	System        string `yaml:"system"`
	User          string `yaml:"user"`
	MaxInputChars int    `yaml:"max_input_chars"`
}

// LoadPrompt reads a prompt override from path, or the built-in prompt when
// path is empty.
func LoadPrompt(path string) (Prompt, error) {
	raw := defaultPromptYAML
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Prompt{}, fmt.Errorf("read prompt file: %w", err)
		}
		raw = data
	}
	return parsePrompt(raw)
}

func parsePrompt(raw []byte) (Prompt, error) {
	var p Prompt
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Prompt{}, fmt.Errorf("parse prompt yaml: %w", err)
	}
	if strings.TrimSpace(p.System) == "" {
		return Prompt{}, fmt.Errorf("prompt system message is empty")
	}
	if !strings.Contains(p.User, "{{text}}") {
		p.User = strings.TrimRight(p.User, "\n") + "\n\n{{text}}"
	}
	return p, nil
}

func (p Prompt) userMessage(text string) string {
	if p.MaxInputChars > 0 {
		if runes := []rune(text); len(runes) > p.MaxInputChars {
			text = string(runes[:p.MaxInputChars])
		}
	}
	return strings.Replace(p.User, "{{text}}", text, 1)
}
