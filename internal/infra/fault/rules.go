package fault

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Template is the classification a matching rule assigns.
type Template struct {
	Category  Category
	Severity  Severity
	Retryable bool
}

// Rule is one entry of the ordered classification table. Match receives
// the error and its lowercased message.
type Rule struct {
	Name     string
	Match    func(err error, msg string) bool
	Template Template
}

// StatusCoder is implemented by errors carrying a transport status code.
type StatusCoder interface {
	StatusCode() int
}

var (
	networkTemplate    = Template{CategoryNetwork, SeverityMedium, true}
	rateLimitTemplate  = Template{CategoryRateLimit, SeverityMedium, true}
	authTemplate       = Template{CategoryAuthentication, SeverityHigh, false}
	validationTemplate = Template{CategoryValidation, SeverityLow, false}
	businessTemplate   = Template{CategoryBusinessLogic, SeverityMedium, false}
	systemTemplate     = Template{CategorySystem, SeverityMedium, false}
)

var (
	networkTerms = []string{
		"network", "timeout", "timed out", "connection refused", "connection reset",
		"no such host", "unreachable", "unexpected eof", "broken pipe", "failed to fetch",
	}
	rateLimitTerms = []string{
		"rate limit", "too many requests", "429", "quota", "throttl",
	}
	authTerms = []string{
		"unauthorized", "unauthenticated", "forbidden", "401", "403",
		"authentication", "token expired", "invalid token", "permission denied",
	}
	validationTerms = []string{
		"validation", "invalid", "required", "malformed", "bad request", "400", "422",
	}
	businessTerms = []string{
		"margin", "vendor", "cda", "business rule", "calculation",
	}
)

// DefaultRules returns the classification table, evaluated first match wins.
// Unmatched errors fall back to System/Medium/not retryable.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "breaker-open",
			Match:    func(err error, _ string) bool { return errors.Is(err, ErrBreakerOpen) },
			Template: Template{CategoryNetwork, SeverityHigh, false},
		},
		{
			Name:     "timeout",
			Match:    func(err error, _ string) bool { return isTimeout(err) },
			Template: networkTemplate,
		},
		{Name: "status-network", Match: statusIn(408, 502, 503, 504), Template: networkTemplate},
		{Name: "status-rate-limit", Match: statusIn(429), Template: rateLimitTemplate},
		{Name: "status-auth", Match: statusIn(401, 403), Template: authTemplate},
		{Name: "status-business", Match: statusIn(409, 412), Template: businessTemplate},
		{
			Name: "status-validation",
			Match: func(err error, _ string) bool {
				code, ok := statusCode(err)
				return ok && code >= 400 && code < 500
			},
			Template: validationTemplate,
		},
		{
			Name: "status-server",
			Match: func(err error, _ string) bool {
				code, ok := statusCode(err)
				return ok && code >= 500
			},
			Template: Template{CategorySystem, SeverityHigh, false},
		},
		{Name: "grpc-network", Match: grpcIn(codes.Unavailable, codes.DeadlineExceeded, codes.Aborted), Template: networkTemplate},
		{Name: "grpc-rate-limit", Match: grpcIn(codes.ResourceExhausted), Template: rateLimitTemplate},
		{Name: "grpc-auth", Match: grpcIn(codes.Unauthenticated, codes.PermissionDenied), Template: authTemplate},
		{Name: "grpc-validation", Match: grpcIn(codes.InvalidArgument, codes.NotFound, codes.OutOfRange, codes.AlreadyExists), Template: validationTemplate},
		{Name: "grpc-business", Match: grpcIn(codes.FailedPrecondition), Template: businessTemplate},
		{Name: "network-terms", Match: containsAny(networkTerms), Template: networkTemplate},
		{Name: "rate-limit-terms", Match: containsAny(rateLimitTerms), Template: rateLimitTemplate},
		{Name: "auth-terms", Match: containsAny(authTerms), Template: authTemplate},
		{Name: "validation-terms", Match: containsAny(validationTerms), Template: validationTemplate},
		{Name: "business-terms", Match: containsAny(businessTerms), Template: businessTemplate},
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusCode(err error) (int, bool) {
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return 0, false
	}
	return sc.StatusCode(), true
}

func statusIn(want ...int) func(error, string) bool {
	return func(err error, _ string) bool {
		code, ok := statusCode(err)
		if !ok {
			return false
		}
		for _, c := range want {
			if code == c {
				return true
			}
		}
		return false
	}
}

func grpcIn(want ...codes.Code) func(error, string) bool {
	return func(err error, _ string) bool {
		st, ok := status.FromError(err)
		if !ok {
			return false
		}
		for _, c := range want {
			if st.Code() == c {
				return true
			}
		}
		return false
	}
}

func containsAny(terms []string) func(error, string) bool {
	return func(_ error, msg string) bool {
		for _, t := range terms {
			if strings.Contains(msg, t) {
				return true
			}
		}
		return false
	}
}
