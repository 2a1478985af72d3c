package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPrompts seed a missing prompts file.
var DefaultPrompts = []string{
	"Explain why the sky is blue in one sentence.",
	"Write a short haiku about rain.",
	"Summarize: Mobile inference is slow.",
	"Give one tip for faster local LLM inference.",
}

// FallbackPrompt is used when neither a prompt nor a prompts file is given.
const FallbackPrompt = "hello"

// LoadPrompts returns the single prompt when set, else the non-blank lines of
// path, else FallbackPrompt. With seed, a missing file is created holding
// DefaultPrompts.
func LoadPrompts(prompt, path string, seed bool) ([]string, error) {
	if prompt != "" {
		return []string{prompt}, nil
	}
	if path == "" {
		return []string{FallbackPrompt}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && seed {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("seed prompts: %w", err)
		}
		data = []byte(strings.Join(DefaultPrompts, "\n") + "\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("seed prompts: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}

	var prompts []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			prompts = append(prompts, line)
		}
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("read prompts: %s has no prompts", path)
	}
	return prompts, nil
}
