// Package principal resolves the billable identity behind a request: an
// ApiKey's owner by default, or a delegated (App, User) pair pulled from
// one of four channels, in strict precedence order. Grounded on
// original_source's _extract_delegation_from_messages and the delegation
// resolution block of middleware/gateway.py's _authenticate.
package principal

import (
	"encoding/json"
	"net/http"
	"strings"

	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
)

// Source names the channel that supplied the delegation pair, for logging.
type Source string

const (
	SourceNone       Source = ""
	SourceQuery      Source = "query_param"
	SourceBody       Source = "body_top_level"
	SourceMessage    Source = "message_content"
	SourceHeader     Source = "header"
	SourceKeyDefault Source = "key_owner"
)

// Principal is the resolved billable identity for one request.
type Principal struct {
	UserOID  string
	AppID    string // empty for pure bearer (non-delegated) requests
	ApiKeyID string // empty for pure delegation requests
	Source   Source
}

// delegationPayload is the embedded-JSON shape channel 3 looks for.
type delegationPayload struct {
	UserOID string `json:"x_user_oid"`
	AppID   string `json:"x_app_id"`
	Message string `json:"message"`
}

// Resolve walks the four channels in strict precedence and returns the
// first one that supplies both x_user_oid and x_app_id. body is the
// parsed JSON request body (already unmarshalled by the caller so the
// resolver can rewrite message content in place before it is re-marshalled
// and forwarded upstream).
func Resolve(r *http.Request, body map[string]interface{}) (userOID, appID string, source Source, rewritten bool) {
	// Channel 1: query parameters.
	if u, a := r.URL.Query().Get("x_user_oid"), r.URL.Query().Get("x_app_id"); u != "" && a != "" {
		return u, a, SourceQuery, false
	}

	// Channel 2: body top-level fields.
	if body != nil {
		u, _ := body["x_user_oid"].(string)
		a, _ := body["x_app_id"].(string)
		if u != "" && a != "" {
			return u, a, SourceBody, false
		}
	}

	// Channel 3: embedded JSON in the first user message.
	if body != nil {
		if u, a, ok := extractFromMessages(body); ok {
			return u, a, SourceMessage, true
		}
	}

	// Channel 4: headers.
	if u, a := r.Header.Get("X-User-Oid"), r.Header.Get("X-App-Id"); u != "" && a != "" {
		return u, a, SourceHeader, false
	}

	return "", "", SourceNone, false
}

// PartialPair reports whether exactly one of the two delegation values was
// supplied across the query, body top-level and header channels without a
// full pair winning (channel 3 only ever yields a full pair, so a message
// that embeds just one of the two keys is not detected) — this is a
// 401 ("pair required"), distinct from no delegation being attempted at
// all. Callers must pass the (userOID, appID) already produced by their own
// single Resolve(r, body) call rather than invoking Resolve again here:
// channel 3 rewrites body's message content in place the first time it
// matches, so a second Resolve against the same body can never see it.
func PartialPair(r *http.Request, body map[string]interface{}, userOID, appID string) bool {
	if userOID != "" && appID != "" {
		return false
	}

	anyUser := r.URL.Query().Get("x_user_oid") != "" || r.Header.Get("X-User-Oid") != "" || userOID != ""
	anyApp := r.URL.Query().Get("x_app_id") != "" || r.Header.Get("X-App-Id") != "" || appID != ""
	if body != nil {
		if s, ok := body["x_user_oid"].(string); ok && s != "" {
			anyUser = true
		}
		if s, ok := body["x_app_id"].(string); ok && s != "" {
			anyApp = true
		}
	}
	return anyUser != anyApp
}

// extractFromMessages scans the first role:"user" message for embedded
// delegation JSON, rewriting its content in place to the "message" value
// (or "" if absent) on success.
func extractFromMessages(body map[string]interface{}) (userOID, appID string, ok bool) {
	rawMessages, has := body["messages"]
	if !has {
		return "", "", false
	}
	messages, isSlice := rawMessages.([]interface{})
	if !isSlice {
		return "", "", false
	}

	for _, raw := range messages {
		msg, isMap := raw.(map[string]interface{})
		if !isMap || msg["role"] != "user" {
			continue
		}

		switch content := msg["content"].(type) {
		case string:
			payload, parsed := tryParseDelegationJSON(content)
			if !parsed {
				continue
			}
			msg["content"] = payload.Message
			return payload.UserOID, payload.AppID, true

		case []interface{}:
			for i, rawPart := range content {
				part, isMap := rawPart.(map[string]interface{})
				if !isMap || part["type"] != "text" {
					continue
				}
				text, _ := part["text"].(string)
				payload, parsed := tryParseDelegationJSON(text)
				if !parsed {
					continue
				}
				content[i] = map[string]interface{}{"type": "text", "text": payload.Message}
				return payload.UserOID, payload.AppID, true
			}
		}
		// Only the first user message is inspected; later messages never carry delegation.
		return "", "", false
	}
	return "", "", false
}

// tryParseDelegationJSON parses text as the delegation payload, accepting
// both a full JSON object and Dify's bare key-value form (the template
// engine consumes the outer braces, so callers may send
// `"x_user_oid": "u", "x_app_id": "a", "message": "hi"` without them).
func tryParseDelegationJSON(text string) (delegationPayload, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return delegationPayload{}, false
	}

	if !strings.HasPrefix(trimmed, "{") {
		if !strings.Contains(trimmed, "x_user_oid") || !strings.Contains(trimmed, "x_app_id") {
			return delegationPayload{}, false
		}
		trimmed = "{" + trimmed + "}"
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return delegationPayload{}, false
	}

	userOID, _ := raw["x_user_oid"].(string)
	appID, _ := raw["x_app_id"].(string)
	if userOID == "" || appID == "" {
		return delegationPayload{}, false
	}
	message, _ := raw["message"].(string)

	return delegationPayload{UserOID: userOID, AppID: appID, Message: message}, true
}

// MissingPairError builds the 401 required when only one of the two
// delegation values is present.
func MissingPairError() *gwerrors.Error {
	return gwerrors.Unauthorised("delegation_pair_required", "Both x_user_oid and x_app_id must be supplied together")
}
