package gateway

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/livepeer/encoder-worker/internal/xerrors"
)

// raceLostKeywords is the body-keyword set spec.md §4.1 defines for
// recognizing a 4xx claim denial as a lost race rather than a generic
// client error.
var raceLostKeywords = []string{"already", "accepted", "not assigned", "invalid state"}

func containsGatewayKeyword(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, kw := range raceLostKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// classifyClaimResponse implements spec.md §4.1's Claim-specific
// classification: a keyword-matching 4xx is race-lost, a bare 500 is
// ambiguous, anything in the 502/503/504 family is infrastructure.
func classifyClaimResponse(status int, body []byte) error {
	switch {
	case status >= 400 && status < 500 && containsGatewayKeyword(body):
		return xerrors.Classify(xerrors.KindRaceLost, status, "", errors.New(string(body)))
	case status == http.StatusInternalServerError:
		return xerrors.Classify(xerrors.KindAmbiguous, status, "", errors.New(string(body)))
	default:
		return classifyByStatus(status, body, "claim")
	}
}

// classifyByStatus implements the generic HTTP-status branch of
// spec.md §4.1/§7's taxonomy, used by every call other than Claim
// (which has its own race-lost/ambiguous special cases above) and
// Finish (which additionally special-cases the duplicate-completion
// keyword match in Client.Finish).
func classifyByStatus(status int, body []byte, op string) error {
	cause := errorFromBody(op, status, body)
	switch {
	case status == http.StatusBadRequest || status == http.StatusConflict:
		return xerrors.Classify(xerrors.KindStateConflict, status, "", cause)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return xerrors.Classify(xerrors.KindTransientNetwork, status, "", cause)
	case status == http.StatusInternalServerError:
		return xerrors.Classify(xerrors.KindAmbiguous, status, "", cause)
	case status == http.StatusTooManyRequests:
		return xerrors.Classify(xerrors.KindTransientNetwork, status, "", cause)
	default:
		return xerrors.Classify(xerrors.KindUnknown, status, "", cause)
	}
}

func errorFromBody(op string, status int, body []byte) error {
	return &httpStatusError{op: op, status: status, body: string(body)}
}

type httpStatusError struct {
	op     string
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return e.op + " returned " + http.StatusText(e.status) + ": " + e.body
}

// classifyTransportError implements the "timeouts, ECONNREFUSED,
// ENOTFOUND" branch of spec.md §4.1/§7: any network-layer failure is
// infrastructure/transient, never attributed to job state.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return xerrors.Classify(xerrors.KindTransientNetwork, 0, "", err)
	}
	return xerrors.Classify(xerrors.KindTransientNetwork, 0, "", err)
}
