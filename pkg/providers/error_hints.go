package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(kind string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	kind = NormalizeKind(kind)

	switch {
	case status == http.StatusUnauthorized || strings.Contains(lower, "incorrect api key provided"):
		return msg + " Hint: check the endpoint's api_keys; env:, file: and keyring: references are resolved when the client is built."
	case status == http.StatusTooManyRequests:
		return msg + " Hint: rate limited; add another api key or a fallback candidate to the route."
	case status == http.StatusNotFound && strings.Contains(lower, "model"):
		return msg + " Hint: the route's model name is not available on this endpoint."
	}

	if kind == KindOpenRouter && strings.Contains(lower, "no endpoints found") {
		return msg + " Hint: OpenRouter has no provider serving this model for the request (images or context size)."
	}
	return msg
}
