package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("bad", "bad"), http.StatusBadRequest},
		{Unauthorised("no", "no"), http.StatusUnauthorized},
		{Forbidden("no", "no"), http.StatusForbidden},
		{RateLimited(5), http.StatusTooManyRequests},
		{BudgetExceeded(10, 5), http.StatusPaymentRequired},
		{ContextTooLarge("big", "big"), http.StatusRequestEntityTooLarge},
		{NoEndpoint("none"), http.StatusServiceUnavailable},
		{Overloaded("busy"), http.StatusServiceUnavailable},
		{Upstream(502, "bad gateway"), http.StatusBadGateway},
		{UpstreamTimeout(), http.StatusGatewayTimeout},
		{AdmissionTimeout(), http.StatusGatewayTimeout},
		{Internal("oops"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.err.HTTPStatus(), c.err.Kind)
	}
}

func TestIsAdmissionError(t *testing.T) {
	assert.True(t, IsAdmissionError(KindValidation))
	assert.True(t, IsAdmissionError(KindBudgetExceeded))
	assert.False(t, IsAdmissionError(KindUpstream))
	assert.False(t, IsAdmissionError(KindInternal))
}

func TestSanitizeMessageRedactsSecrets(t *testing.T) {
	msg := "failed calling /srv/app/handlers/chat.go from 10.0.0.5 with Bearer abc123 and key sk-verysecret"
	got := SanitizeMessage(msg, 200)

	assert.NotContains(t, got, "10.0.0.5")
	assert.NotContains(t, got, "Bearer abc123")
	assert.NotContains(t, got, "sk-verysecret")
}

func TestSanitizeMessageTruncates(t *testing.T) {
	msg := make([]byte, 50)
	for i := range msg {
		msg[i] = 'a'
	}
	got := SanitizeMessage(string(msg), 10)
	assert.Contains(t, got, "(truncated)")
}

func TestClassifyUpstream(t *testing.T) {
	code, _ := ClassifyUpstream("CUDA out of memory")
	assert.Equal(t, "oom_error", code)

	code, _ = ClassifyUpstream("connection timeout after 30s")
	assert.Equal(t, "timeout", code)

	code, _ = ClassifyUpstream("something entirely unrecognised happened")
	assert.Equal(t, "provider_error", code)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := Internal("root cause")
	err := Upstream(500, "boom").Wrap(cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}
