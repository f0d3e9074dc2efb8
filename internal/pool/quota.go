package pool

import (
	"net/http"
	"strings"

	"kiroproxy/internal/apierr"
)

// Upstream body markers for quota-class failures.
const (
	// MarkerMonthlyRequestCount signals the monthly request quota is spent.
	MarkerMonthlyRequestCount = "MONTHLY_REQUEST_COUNT"

	// MarkerContentLengthExceeded signals the conversation is too large for
	// the upstream. Retrying the same body cannot succeed.
	MarkerContentLengthExceeded = "CONTENT_LENGTH_EXCEEDS_THRESHOLD"
)

// ClassifyUpstreamFailure maps an upstream HTTP failure to an error kind.
// 429 and the monthly-quota marker cool the account down; the content-length
// marker is permanent for the request and must not cool the account.
func ClassifyUpstreamFailure(status int, body string) apierr.Kind {
	switch {
	case strings.Contains(body, MarkerContentLengthExceeded):
		return apierr.KindContentTooLong
	case status == http.StatusTooManyRequests, strings.Contains(body, MarkerMonthlyRequestCount):
		return apierr.KindQuotaExceeded
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apierr.KindAuthExpired
	case status >= 500:
		return apierr.KindUpstreamServerError
	default:
		return apierr.KindUpstreamServerError
	}
}
