package core

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"pkt.systems/screenstream/schema"
)

const maxErrorBody = 64 << 10

// decodeAPIError reads a non-2xx response in full and maps structured codes.
// A quota rejection becomes a *schema.QuotaError; everything else is a
// *schema.APIError.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(body))

	var payload schema.ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil {
		switch payload.Code {
		case schema.CodeQuotaExceeded:
			info := schema.QuotaInfo{Plan: payload.Plan, Message: firstNonEmpty(payload.Message, payload.Error)}
			if payload.MessagesRemaining != nil {
				info.MessagesRemaining = *payload.MessagesRemaining
			}
			return &schema.QuotaError{Quota: info}
		case schema.CodeModelRestricted:
			return &schema.APIError{Status: resp.StatusCode, Code: payload.Code, Message: schema.ErrModelRestricted.Error()}
		}
	}
	if text == "" {
		text = resp.Status
	}
	return &schema.APIError{Status: resp.StatusCode, Message: text}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
