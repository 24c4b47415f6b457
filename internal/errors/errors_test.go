package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransportError("dial failed", cause).WithURL("ws://localhost/ws").WithAttempt(3)

	want := "transport error [url=ws://localhost/ws, attempt=3]: dial failed: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if !errors.Is(err, &TransportError{}) {
		t.Error("errors.Is(err, &TransportError{}) = false, want true")
	}
}

func TestPullError_WithStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", 503, true},
		{"rate limited", 429, true},
		{"request timeout", 408, true},
		{"not found", 404, false},
		{"bad request", 400, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPullError("fetch path", nil).WithResource("path", "p1").WithStatus(tt.status)
			if got := err.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable(err) = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestPullError_NotFound(t *testing.T) {
	err := NewPullError("fetch path", nil).WithStatus(404)
	if !Is(err, ErrNotFound) {
		t.Error("404 pull error should match ErrNotFound")
	}
	want := "pull error [status=404]: fetch path"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCommandError(t *testing.T) {
	err := NewCommandError("cancel job", errors.New("job already finished")).WithTarget("j1").WithStatus(409)

	want := "command error [target=j1, status=409]: cancel job failed: job already finished"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if GetSeverity(err) != SeverityError {
		t.Errorf("GetSeverity() = %v, want %v", GetSeverity(err), SeverityError)
	}
	if IsRetryable(err) {
		t.Error("IsRetryable() = true, want false")
	}
	if !Is(err, ErrCommandRejected) {
		t.Error("errors.Is(err, ErrCommandRejected) = false, want true")
	}
}

func TestDecodeError(t *testing.T) {
	err := NewDecodeError("result is not an object", nil).WithEvent("jobdone").WithField("result")
	if !Is(err, ErrMalformedPayload) {
		t.Error("decode error should match ErrMalformedPayload")
	}
	if GetSeverity(err) != SeverityDebug {
		t.Errorf("GetSeverity() = %v, want %v", GetSeverity(err), SeverityDebug)
	}
}

func TestSemanticErrors(t *testing.T) {
	nf := NewNotFoundError("path", "p1")
	if nf.Error() != "path 'p1' not found" {
		t.Errorf("NotFoundError.Error() = %q", nf.Error())
	}
	if !Is(nf, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}

	v := NewValidationError("thread id cannot be empty").WithField("thread_id")
	if !Is(v, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
	if GetSeverity(v) != SeverityWarning {
		t.Errorf("ValidationError severity = %v, want warning", GetSeverity(v))
	}

	to := NewTimeoutError("fetch job", 2*time.Second)
	if !IsRetryable(to) {
		t.Error("TimeoutError should be retryable")
	}
	if !Is(to, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	cause := errors.New("context deadline exceeded")
	if got := to.WithCause(cause).Error(); got != "timeout error: fetch job (timeout: 2s): context deadline exceeded" {
		t.Errorf("TimeoutError.Error() = %q", got)
	}
	if !Is(NewPullError("fetch job", to), ErrTimeout) {
		t.Error("a pull failing on a timeout should match ErrTimeout")
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{408, true},
		{409, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			if got := RetryableStatus(tt.code); got != tt.want {
				t.Errorf("RetryableStatus(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassification_PlainErrors(t *testing.T) {
	plain := errors.New("boom")
	if IsRetryable(plain) {
		t.Error("plain error should not be retryable")
	}
	if GetSeverity(plain) != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want error", GetSeverity(plain))
	}
	if GetSeverity(nil) != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", GetSeverity(nil))
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", ErrTimeout)) {
		t.Error("wrapped ErrTimeout should be retryable")
	}
}

func TestSendFailureBanner(t *testing.T) {
	busy := "The assistant is busy with another reply. Retry shortly."
	generic := "Message could not be sent. Please try again."

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wrapped 429", Wrap(NewCommandError("send message", nil).WithStatus(429), "thread t1"), busy},
		{"status 429", NewCommandError("send message", nil).WithStatus(429), busy},
		{"text in progress", errors.New("a response is already In Progress"), busy},
		{"text rate limit", errors.New("Rate limit exceeded"), busy},
		{"generic", errors.New("internal server error"), generic},
		{"command 500", NewCommandError("send message", errors.New("db down")).WithStatus(500), generic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SendFailureBanner(tt.err); got != tt.want {
				t.Errorf("SendFailureBanner() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	base := NewPullError("fetch", nil)
	wrapped := Wrapf(base, "thread %s", "t1")
	if wrapped.Error() != "thread t1: pull error: fetch" {
		t.Errorf("Wrapf() = %q", wrapped.Error())
	}
	var pe *PullError
	if !As(wrapped, &pe) {
		t.Error("As should find wrapped PullError")
	}
}
