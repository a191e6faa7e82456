// Package fetcher implements the upstream call contract: per-attempt
// deadlines, a fixed retry schedule, and the transient/permanent failure
// classifier that turns upstream responses into a tagged ReportResult
// (spec §4.6).
//
// Grounded on connection-pool/final's bounded-resource-with-deadline
// shape and web-crawler/final's retry-with-classifier loop, reimplemented
// on top of github.com/hashicorp/go-retryablehttp (promoted here from an
// indirect dep of kedacore-keda's go.mod to a direct one): CheckRetry
// implements the classifier (permanent codes stop the retry loop,
// transient ones continue it) and Backoff replays spec §6.4's fixed
// delay list instead of the library's default exponential curve.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// ErrorCode is the taxonomy of fetch failure kinds (spec §4.6).
type ErrorCode string

const (
	ErrNone         ErrorCode = ""
	ErrTimeout      ErrorCode = "Timeout"
	ErrUpstream5xx  ErrorCode = "Upstream5xx"
	ErrUnauthorized ErrorCode = "Unauthorized"
	ErrInvalidVin   ErrorCode = "InvalidVin"
	ErrMalformed    ErrorCode = "Malformed"
	ErrTransport    ErrorCode = "Transport"
	ErrUnknown      ErrorCode = "Unknown"
)

// permanent reports whether code should never be retried (spec §4.6).
func (c ErrorCode) permanent() bool {
	switch c {
	case ErrUnauthorized, ErrInvalidVin:
		return true
	default:
		return false
	}
}

// classifyStatus maps a raw HTTP status to the taxonomy, independent of
// whether the body has been read yet. Shared by CheckRetry (which must
// decide before reading the body) and classify (which has read it).
func classifyStatus(status int) ErrorCode {
	switch {
	case status == http.StatusOK:
		return ErrNone
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusUnprocessableEntity, status == http.StatusNotFound:
		return ErrInvalidVin
	case status >= 500:
		return ErrUpstream5xx
	default:
		return ErrUnknown
	}
}

var statusMessage = map[ErrorCode]string{
	ErrUnauthorized: "invalid_token",
	ErrInvalidVin:   "invalid_vin",
	ErrUpstream5xx:  "upstream_error",
	ErrUnknown:      "unknown_error",
}

// ReportResult is the Fetcher's output (spec §3 ReportResult).
type ReportResult struct {
	Success     bool
	PDFBytes    []byte
	Filename    string
	ErrorCodes  []ErrorCode
	UserMessage string
	RawStatus   int
	Attempts    int
}

// DefaultRetryBackoff is the fixed delay schedule from spec §6.4. Index 0
// is the (unused) delay before the first attempt; Backoff consults
// indices 1.. for each retry.
var DefaultRetryBackoff = []time.Duration{0, 1 * time.Second, 3 * time.Second, 7 * time.Second, 12 * time.Second, 20 * time.Second}

// Config configures a Fetcher.
type Config struct {
	UpstreamURL   string
	TotalDeadline time.Duration // not read by Fetch; the whole-call bound is Fetch's deadline argument
	SendDeadline  time.Duration // default 60s, applied per attempt
	MaxAttempts   int           // default 3, clamp [1, 6]
	Backoff       []time.Duration
}

// Fetcher drives the bounded upstream call.
type Fetcher struct {
	cfg    Config
	client *retryablehttp.Client
	log    *logrus.Entry
}

type callStateKey struct{}

// callState threads per-Fetch-call state through retryablehttp's hooks,
// which are plain methods on Fetcher (stateless, since the client is
// shared across concurrent Fetch calls) and so cannot hold per-call data
// themselves.
type callState struct {
	attempts int32
	result   ReportResult
}

// New returns a Fetcher whose retryablehttp client retries and backs off
// according to cfg: CheckRetry stops on permanent error codes and retries
// on transient ones, Backoff replays cfg.Backoff instead of an exponential
// curve, and the underlying http.Client's Timeout bounds each individual
// attempt (SendDeadline) while the request's own context bounds the whole
// call (the deadline passed into Fetch).
func New(cfg Config, log *logrus.Entry) *Fetcher {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultRetryBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = cfg.MaxAttempts - 1
	if rc.RetryMax < 0 {
		rc.RetryMax = 0
	}
	rc.HTTPClient.Timeout = cfg.SendDeadline

	f := &Fetcher{cfg: cfg, client: rc, log: log.WithField("component", "fetcher")}
	rc.CheckRetry = f.checkRetry
	rc.Backoff = f.backoffSchedule
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if s, ok := req.Context().Value(callStateKey{}).(*callState); ok {
			atomic.StoreInt32(&s.attempts, int32(attempt+1))
		}
	}
	return f
}

// checkRetry is retryablehttp's CheckRetry hook. It fully classifies each
// response (reading the body when the status itself doesn't settle the
// question, e.g. a 200 that isn't actually a PDF) and stashes the result
// on the call's state so Fetch doesn't need to read an already-drained
// body a second time; it retries exactly the transient codes from spec
// §4.6's taxonomy.
func (f *Fetcher) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	state, _ := ctx.Value(callStateKey{}).(*callState)

	if ctx.Err() != nil {
		if state != nil {
			state.result = ReportResult{Success: false, ErrorCodes: []ErrorCode{ErrTimeout}, UserMessage: "upstream_timeout"}
		}
		return false, ctx.Err()
	}
	if err != nil {
		if state != nil {
			state.result = ReportResult{Success: false, ErrorCodes: []ErrorCode{ErrTransport}, UserMessage: "transport_error"}
		}
		return true, nil
	}
	if resp == nil {
		return true, nil
	}

	result := classify(resp, f.log)
	if state != nil {
		state.result = result
	}
	if result.Success {
		return false, nil
	}
	return !result.ErrorCodes[0].permanent(), nil
}

// backoffSchedule is retryablehttp's Backoff hook: it replays cfg.Backoff
// (skipping index 0, the pre-first-attempt delay) instead of min/max
// exponential growth, matching spec §6.4's literal delay list.
func (f *Fetcher) backoffSchedule(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	schedule := f.cfg.Backoff
	if len(schedule) > 1 {
		schedule = schedule[1:]
	}
	return scheduleDelay(schedule, attemptNum)
}

func scheduleDelay(schedule []time.Duration, idx int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if idx < len(schedule) {
		return schedule[idx]
	}
	return schedule[len(schedule)-1]
}

// Fetch requests vin's report in language, retrying transient failures
// within deadline for at most cfg.MaxAttempts attempts in total, per spec
// §4.6.
func (f *Fetcher) Fetch(ctx context.Context, vin, language string, deadline time.Duration) ReportResult {
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	state := &callState{}
	reqCtx = context.WithValue(reqCtx, callStateKey{}, state)

	url := fmt.Sprintf("%s?vin=%s&lang=%s", f.cfg.UpstreamURL, vin, language)
	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return ReportResult{Success: false, ErrorCodes: []ErrorCode{ErrTransport}, UserMessage: "transport_error"}
	}

	resp, doErr := f.client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}

	attempts := int(atomic.LoadInt32(&state.attempts))
	if attempts == 0 {
		attempts = 1
	}

	result := state.result
	if result.ErrorCodes == nil && !result.Success {
		// checkRetry never ran (the request never left the client): fall
		// back to classifying doErr directly.
		switch {
		case reqCtx.Err() != nil:
			result = ReportResult{Success: false, ErrorCodes: []ErrorCode{ErrTimeout}, UserMessage: "upstream_timeout"}
		case doErr != nil:
			result = ReportResult{Success: false, ErrorCodes: []ErrorCode{ErrTransport}, UserMessage: "transport_error"}
		}
	}
	result.Attempts = attempts
	return result
}

func classify(resp *http.Response, log *logrus.Entry) ReportResult {
	status := resp.StatusCode
	contentType := resp.Header.Get("Content-Type")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ReportResult{Success: false, RawStatus: status, ErrorCodes: []ErrorCode{ErrTransport}, UserMessage: "transport_error"}
	}

	if status == http.StatusOK {
		if isPDF(contentType, body) {
			return ReportResult{Success: true, PDFBytes: body, Filename: "report.pdf", RawStatus: status}
		}
		log.Warn("upstream returned 200 with non-pdf body")
		return ReportResult{Success: false, RawStatus: status, ErrorCodes: []ErrorCode{ErrMalformed}, UserMessage: "malformed_response"}
	}

	code := classifyStatus(status)
	return ReportResult{Success: false, RawStatus: status, ErrorCodes: []ErrorCode{code}, UserMessage: statusMessage[code]}
}

func isPDF(contentType string, body []byte) bool {
	if len(body) >= 4 && bytes.Equal(body[:4], []byte("%PDF")) {
		return true
	}
	return contentType == "application/pdf"
}

// Notifier adapts cenkalti/backoff/v4's logging hook to logrus, used by
// internal/dispatch's delivery-retry loop (a separate backoff.BackOff from
// this package's retryablehttp-driven fetch retries).
func Notifier(log *logrus.Entry) backoff.Notify {
	return func(err error, wait time.Duration) {
		log.WithError(err).WithField("wait", wait).Debug("retrying")
	}
}
