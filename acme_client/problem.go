package acme_client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ACME error urns.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-6.7
const (
	errNS = "urn:ietf:params:acme:error:"

	ErrorTypeBadNonce            = errNS + "badNonce"
	ErrorTypeRateLimited         = errNS + "rateLimited"
	ErrorTypeUnauthorized        = errNS + "unauthorized"
	ErrorTypeMalformed           = errNS + "malformed"
	ErrorTypeServerInternal      = errNS + "serverInternal"
	ErrorTypeAccountDoesNotExist = errNS + "accountDoesNotExist"
	ErrorTypeAlreadyRevoked      = errNS + "alreadyRevoked"
	ErrorTypeOrderNotReady       = errNS + "orderNotReady"
	ErrorTypeRejectedIdentifier  = errNS + "rejectedIdentifier"
)

// Problem the ACME problem document, returned with any 4xx/5xx.
// - https://www.rfc-editor.org/rfc/rfc7807
type Problem struct {
	Type        string       `json:"type,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	HTTPStatus  int          `json:"status,omitempty"`
	Instance    string       `json:"instance,omitempty"`
	SubProblems []SubProblem `json:"subproblems,omitempty"`

	// read from the response, not the document
	Method string `json:"-"`
	URL    string `json:"-"`
	// delay until the next allowed attempt per the Retry-After header,
	// zero when the header was absent
	RetryAfter time.Duration `json:"-"`
}

// SubProblem a member of the "subproblems" array, scoping a problem to one
// identifier of the request.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-6.7.1
type SubProblem struct {
	Type       string     `json:"type,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Identifier Identifier `json:"identifier,omitempty"`
}

func (p *Problem) Error() string {
	msg := fmt.Sprintf("acme: error: %d", p.HTTPStatus)
	if p.Method != "" || p.URL != "" {
		msg += fmt.Sprintf(" :: %s :: %s", p.Method, p.URL)
	}
	if p.Type != "" {
		msg += fmt.Sprintf(" :: %s", p.Type)
	}
	if p.Detail != "" {
		msg += fmt.Sprintf(" :: %s", p.Detail)
	}
	for _, sub := range p.SubProblems {
		msg += fmt.Sprintf(", problem: %q :: %s :: %s", sub.Type, sub.Identifier.Value, sub.Detail)
	}
	return msg
}

func (p *Problem) IsBadNonce() bool {
	return p.Type == ErrorTypeBadNonce
}

func (p *Problem) IsRateLimited() bool {
	return p.Type == ErrorTypeRateLimited || p.HTTPStatus == http.StatusTooManyRequests
}

func (p *Problem) IsUnauthorized() bool {
	return p.Type == ErrorTypeUnauthorized || p.HTTPStatus == http.StatusForbidden
}

func (p *Problem) IsMalformed() bool {
	return p.Type == ErrorTypeMalformed
}

func (p *Problem) IsAlreadyRevoked() bool {
	return p.Type == ErrorTypeAlreadyRevoked
}

// Transient reports whether retrying the same request may help: true for
// serverInternal and any other 5xx. Rate limits are NOT transient at this
// level, the caller must wait until RetryAfter.
func (p *Problem) Transient() bool {
	if p.Type == ErrorTypeServerInternal {
		return true
	}
	return p.HTTPStatus >= 500
}

// newProblem builds a Problem from a non-2xx response. Bodies that are not
// a problem document (proxies, load balancers) still yield a usable error.
func newProblem(res *http.Response, body []byte, method, url string) *Problem {
	problem := &Problem{
		HTTPStatus: res.StatusCode,
		Method:     method,
		URL:        url,
	}
	if err := json.Unmarshal(body, problem); err != nil {
		detail := strings.TrimSpace(string(body))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		problem.Detail = detail
	}
	// json.Unmarshal overwrites status only when the document carries one
	if problem.HTTPStatus == 0 {
		problem.HTTPStatus = res.StatusCode
	}
	problem.RetryAfter = retryAfter(res.Header, time.Now())
	return problem
}

// retryAfter parses a Retry-After header, either delta-seconds or an
// HTTP-date. Returns 0 when absent or unparseable.
func retryAfter(header http.Header, now time.Time) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
