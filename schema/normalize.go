package schema

import (
	"strings"
	"unicode"
)

// NormalizeModelID validates and normalizes a model identifier.
// Allowed characters: A-Z, a-z, 0-9, '.', '_', '-', '/', ':'.
func NormalizeModelID(model string) (ModelID, error) {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return "", ErrInvalidModel
	}
	for _, r := range trimmed {
		switch r {
		case '.', '_', '-', '/', ':':
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", ErrInvalidModel
	}
	return ModelID(trimmed), nil
}

// ValidateProjectID ensures a project id matches [a-z0-9._-] with no normalization.
// An empty id is valid and means "new project".
func ValidateProjectID(id ProjectID) error {
	raw := string(id)
	if raw == "" {
		return nil
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidRequest
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidRequest
	}
	return nil
}

// NormalizeGenerateRequest trims the prompt, fills the model from
// defaultModel when empty and validates the remaining identifiers.
func NormalizeGenerateRequest(req GenerateRequest, defaultModel ModelID) (GenerateRequest, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return req, ErrEmptyPrompt
	}
	model := string(req.Model)
	if strings.TrimSpace(model) == "" {
		model = string(defaultModel)
	}
	normalized, err := NormalizeModelID(model)
	if err != nil {
		return req, err
	}
	req.Model = normalized
	if err := ValidateProjectID(req.ProjectID); err != nil {
		return req, err
	}
	req.Scenario = strings.ToLower(strings.TrimSpace(req.Scenario))
	for i := range req.Screens {
		req.Screens[i].Name = strings.TrimSpace(req.Screens[i].Name)
		if req.Screens[i].Name == "" {
			return req, ErrInvalidRequest
		}
	}
	return req, nil
}
