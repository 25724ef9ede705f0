package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
)

// ErrorKind is the failure class of a model call, used to pick the
// user-facing apology
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindTimeout
	KindUnauthorized
	KindRateLimited
	KindOverloaded
	KindConnection
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindConnection:
		return "connection"
	case KindUpstream:
		return "upstream"
	default:
		return "generic"
	}
}

// Classify maps a model client error to its kind and, for HTTP failures,
// the upstream status code
func Classify(err error) (ErrorKind, int) {
	if err == nil {
		return KindGeneric, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, 0
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return kindForStatus(apiErr.HTTPStatusCode), apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return kindForStatus(reqErr.HTTPStatusCode), reqErr.HTTPStatusCode
	}
	var anthErr *anthropicsdk.Error
	if errors.As(err, &anthErr) {
		return kindForStatus(anthErr.StatusCode), anthErr.StatusCode
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, 0
		}
		return KindConnection, 0
	}
	return KindGeneric, 0
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == 529 || status == http.StatusServiceUnavailable:
		return KindOverloaded
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 400:
		return KindUpstream
	default:
		return KindGeneric
	}
}
