package schema

// GenerateRequest is the JSON body posted to the generation endpoint.
type GenerateRequest struct {
	Prompt    string           `json:"prompt"`
	Model     ModelID          `json:"model,omitempty"`
	ProjectID ProjectID        `json:"projectId,omitempty"`
	Scenario  string           `json:"scenario,omitempty"`
	Screens   []ExistingScreen `json:"screens,omitempty"`
}

// ExistingScreen references a screen the model may edit.
type ExistingScreen struct {
	Name string `json:"name"`
	HTML string `json:"html,omitempty"`
}

// ErrorResponse is the JSON body of a non-2xx generation response.
type ErrorResponse struct {
	Code              string `json:"code,omitempty"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message,omitempty"`
	Plan              string `json:"plan,omitempty"`
	MessagesRemaining *int   `json:"messagesRemaining,omitempty"`
}

const (
	// CodeQuotaExceeded marks a quota rejection.
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	// CodeModelRestricted marks a model unavailable for the caller's plan.
	CodeModelRestricted = "MODEL_RESTRICTED"
)
