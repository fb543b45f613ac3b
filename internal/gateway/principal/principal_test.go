package principal

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodPost, rawURL, nil)
	require.NoError(t, err)
	return r
}

func TestResolveQueryParamChannel(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions?x_user_oid=u1&x_app_id=a1")
	userOID, appID, source, rewritten := Resolve(r, nil)

	assert.Equal(t, "u1", userOID)
	assert.Equal(t, "a1", appID)
	assert.Equal(t, SourceQuery, source)
	assert.False(t, rewritten)
}

func TestResolveBodyTopLevelChannel(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	body := map[string]interface{}{"x_user_oid": "u2", "x_app_id": "a2"}

	userOID, appID, source, rewritten := Resolve(r, body)

	assert.Equal(t, "u2", userOID)
	assert.Equal(t, "a2", appID)
	assert.Equal(t, SourceBody, source)
	assert.False(t, rewritten)
}

func TestResolveHeaderChannel(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	r.Header.Set("X-User-Oid", "u3")
	r.Header.Set("X-App-Id", "a3")

	userOID, appID, source, _ := Resolve(r, nil)

	assert.Equal(t, "u3", userOID)
	assert.Equal(t, "a3", appID)
	assert.Equal(t, SourceHeader, source)
}

func TestResolveEmbeddedMessageJSONChannel(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	body := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{
				"role":    "user",
				"content": `{"x_user_oid": "u4", "x_app_id": "a4", "message": "hello"}`,
			},
		},
	}

	userOID, appID, source, rewritten := Resolve(r, body)

	assert.Equal(t, "u4", userOID)
	assert.Equal(t, "a4", appID)
	assert.Equal(t, SourceMessage, source)
	assert.True(t, rewritten)

	messages := body["messages"].([]interface{})
	msg := messages[0].(map[string]interface{})
	assert.Equal(t, "hello", msg["content"])
}

func TestResolveEmbeddedMessageBareKeyValueForm(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	body := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{
				"role":    "user",
				"content": `"x_user_oid": "u5", "x_app_id": "a5", "message": "hi there"`,
			},
		},
	}

	userOID, appID, source, rewritten := Resolve(r, body)

	assert.Equal(t, "u5", userOID)
	assert.Equal(t, "a5", appID)
	assert.Equal(t, SourceMessage, source)
	assert.True(t, rewritten)
}

func TestResolvePrecedenceQueryBeatsHeader(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions?x_user_oid=u1&x_app_id=a1")
	r.Header.Set("X-User-Oid", "u-header")
	r.Header.Set("X-App-Id", "a-header")

	userOID, _, source, _ := Resolve(r, nil)

	assert.Equal(t, "u1", userOID)
	assert.Equal(t, SourceQuery, source)
}

func TestResolveNoDelegation(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	userOID, appID, source, rewritten := Resolve(r, nil)

	assert.Empty(t, userOID)
	assert.Empty(t, appID)
	assert.Equal(t, SourceNone, source)
	assert.False(t, rewritten)
}

func TestPartialPairDetectsOneSidedHeader(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	r.Header.Set("X-User-Oid", "u1")

	userOID, appID, _, _ := Resolve(r, nil)
	assert.True(t, PartialPair(r, nil, userOID, appID))
}

func TestPartialPairFullPairIsNotPartial(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions?x_user_oid=u1&x_app_id=a1")
	userOID, appID, _, _ := Resolve(r, nil)
	assert.False(t, PartialPair(r, nil, userOID, appID))
}

func TestPartialPairNoneIsNotPartial(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	userOID, appID, _, _ := Resolve(r, nil)
	assert.False(t, PartialPair(r, nil, userOID, appID))
}

// TestResolveThenPartialPairSharesOneResolveCall exercises the exact
// pairing chat.go uses: a single Resolve call feeding PartialPair. Channel
// 3 rewrites the message content in place, so calling Resolve a second
// time against the same body would find nothing and silently regress
// delegation to SourceNone.
func TestResolveThenPartialPairSharesOneResolveCall(t *testing.T) {
	r := newRequest(t, "http://gateway/v1/chat/completions")
	body := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{
				"role":    "user",
				"content": `{"x_user_oid": "u6", "x_app_id": "a6", "message": "hello"}`,
			},
		},
	}

	userOID, appID, source, rewritten := Resolve(r, body)
	require.Equal(t, SourceMessage, source)
	require.True(t, rewritten)

	assert.False(t, PartialPair(r, body, userOID, appID))
	assert.Equal(t, "u6", userOID)
	assert.Equal(t, "a6", appID)
}
