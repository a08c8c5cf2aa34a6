package script

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jo-hoe/reelsmith/internal/jobs"
)

// rawScript is the JSON shape language models are asked to return.
type rawScript struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	Scenes      []rawScene `json:"scenes"`
}

type rawScene struct {
	Ordinal         int     `json:"ordinal"`
	Text            string  `json:"text"`
	Narration       string  `json:"narration"`
	VisualPrompt    string  `json:"visual_prompt"`
	ImagePrompt     string  `json:"image_prompt"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Parse extracts a script from model output. Markdown fences and prose around
// the JSON object are ignored.
func Parse(content string) (jobs.Script, error) {
	cleaned := CleanJSON(content)
	if cleaned == "" {
		return jobs.Script{}, fmt.Errorf("%w: no JSON object in output", ErrScriptGeneration)
	}
	var raw rawScript
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return jobs.Script{}, fmt.Errorf("%w: parse script: %w", ErrScriptGeneration, err)
	}
	out := jobs.Script{
		Title:       strings.TrimSpace(raw.Title),
		Description: strings.TrimSpace(raw.Description),
	}
	for _, t := range raw.Tags {
		if t = strings.TrimSpace(t); t != "" {
			out.Tags = append(out.Tags, t)
		}
	}
	for i, sc := range raw.Scenes {
		text := sc.Text
		if strings.TrimSpace(text) == "" {
			text = sc.Narration
		}
		prompt := sc.VisualPrompt
		if strings.TrimSpace(prompt) == "" {
			prompt = sc.ImagePrompt
		}
		out.Scenes = append(out.Scenes, jobs.ScriptScene{
			Ordinal:         i + 1,
			Text:            strings.TrimSpace(text),
			VisualPrompt:    strings.TrimSpace(prompt),
			DurationSeconds: sc.DurationSeconds,
		})
	}
	return out, nil
}

// CleanJSON strips code fences and returns the outermost {...} block of s.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// HasNarration reports whether at least one scene carries narration text.
func HasNarration(s jobs.Script) bool {
	for _, sc := range s.Scenes {
		if strings.TrimSpace(sc.Text) != "" {
			return true
		}
	}
	return false
}
