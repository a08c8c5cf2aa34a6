package pipeline

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/jobs"
)

var styles = map[string]struct{}{
	"documentary":   {},
	"educational":   {},
	"storytelling":  {},
	"news":          {},
	"entertainment": {},
}

var languagePattern = regexp.MustCompile(`^[a-zA-Z]{2,3}([-_][a-zA-Z0-9]{2,4})?$`)

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Request is what a caller submits. Zero values select defaults.
type Request struct {
	// JobID is optional; a UUID is generated when empty.
	JobID             string `json:"job_id,omitempty"`
	Topic             string `json:"topic"`
	Style             string `json:"style,omitempty"`
	DurationMinutes   int    `json:"duration_minutes,omitempty"`
	Language          string `json:"language,omitempty"`
	AutoPublish       bool   `json:"auto_publish,omitempty"`
	GenerateSubtitles *bool  `json:"generate_subtitles,omitempty"`
	CallbackURL       string `json:"callback_url,omitempty"`
}

// Normalize applies defaults and validates every field.
func (r Request) Normalize() (jobs.Inputs, error) {
	topic, err := normalizeTopic(r.Topic)
	if err != nil {
		return jobs.Inputs{}, err
	}

	style := strings.ToLower(strings.TrimSpace(r.Style))
	if style == "" {
		style = common.DefaultStyle
	}
	if _, ok := styles[style]; !ok {
		return jobs.Inputs{}, &ValidationError{Field: "style", Reason: "must be one of documentary, educational, storytelling, news, entertainment"}
	}

	duration := r.DurationMinutes
	if duration == 0 {
		duration = common.DefaultDuration
	}
	if duration < common.MinDurationMinutes || duration > common.MaxDurationMinutes {
		return jobs.Inputs{}, &ValidationError{Field: "duration_minutes", Reason: "must be between 1 and 30"}
	}

	lang, err := normalizeLanguage(r.Language)
	if err != nil {
		return jobs.Inputs{}, err
	}

	subtitles := true
	if r.GenerateSubtitles != nil {
		subtitles = *r.GenerateSubtitles
	}

	cb := strings.TrimSpace(r.CallbackURL)
	if cb != "" {
		u, err := url.ParseRequestURI(cb)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return jobs.Inputs{}, &ValidationError{Field: "callback_url", Reason: "must be an absolute http(s) URL"}
		}
	}

	return jobs.Inputs{
		Topic:             topic,
		Style:             style,
		DurationMinutes:   duration,
		Language:          lang,
		AutoPublish:       r.AutoPublish,
		GenerateSubtitles: subtitles,
		CallbackURL:       cb,
	}, nil
}

func normalizeJobID(s string) (string, error) {
	id := strings.TrimSpace(s)
	if id == "" {
		return "", nil
	}
	if len(id) > common.MaxJobIDLength || !jobIDPattern.MatchString(id) {
		return "", &ValidationError{Field: "job_id", Reason: "must be at most 64 letters, digits, '.', '_' or '-' and start with a letter or digit"}
	}
	return id, nil
}

func normalizeTopic(s string) (string, error) {
	topic := strings.Join(strings.Fields(s), " ")
	n := utf8.RuneCountInString(topic)
	if n == 0 {
		return "", &ValidationError{Field: "topic", Reason: "is required"}
	}
	if n < common.MinTopicLength || n > common.MaxTopicLength {
		return "", &ValidationError{Field: "topic", Reason: "must be between 5 and 500 characters"}
	}
	return topic, nil
}

func normalizeLanguage(s string) (string, error) {
	lang := strings.TrimSpace(s)
	if lang == "" {
		return common.DefaultLanguage, nil
	}
	if len(lang) < common.MinLanguageLength || len(lang) > common.MaxLanguageLength || !languagePattern.MatchString(lang) {
		return "", &ValidationError{Field: "language", Reason: "must be a language code such as en or pt-BR"}
	}
	return lang, nil
}
