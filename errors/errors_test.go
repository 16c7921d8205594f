package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"rate limited", ErrRateLimited, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"authentication failed", ErrAuthenticationFailed, false},
		{"refused in message", fmt.Errorf("dial tcp: connection refused"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"wrapped missing config", fmt.Errorf("startup: %w", ErrMissingConfig), true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"classified fatal", WrapFatal(ErrInvalidData, "Bridge", "New", "check config"), true},
		{"classified transient around config", WrapTransient(ErrInvalidConfig, "X", "Y", "z"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"parsing failed", ErrParsingFailed, true},
		{"checksum", ErrChecksumFailed, true},
		{"authentication failed", ErrAuthenticationFailed, true},
		{"invalid token", ErrInvalidToken, true},
		{"reservation rejected", ErrReservationRejected, true},
		{"protocol violation", ErrProtocolViolation, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified invalid", WrapInvalid(fmt.Errorf("bad"), "A", "B", "c"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"missing config", ErrMissingConfig, ErrorFatal},
		{"parsing failed", ErrParsingFailed, ErrorInvalid},
		{"unknown", fmt.Errorf("something odd"), ErrorTransient},
		{"classified", WrapInvalid(ErrConnectionLost, "A", "B", "c"), ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "A", "B", "c") != nil {
		t.Error("wrapping nil must return nil")
	}
	if WrapTransient(nil, "A", "B", "c") != nil {
		t.Error("classified wrapping nil must return nil")
	}

	err := Wrap(ErrNoConnection, "Supervisor", "Send", "write packet")
	expected := "Supervisor.Send: write packet failed: no connection available"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrNoConnection) {
		t.Error("wrapped error must match its sentinel")
	}
}

func TestClassifiedError_Fields(t *testing.T) {
	err := WrapInvalid(ErrNotHolder, "Broker", "ReleaseIdentity", "check holder")

	var ce *ClassifiedError
	if !As(err, &ce) {
		t.Fatal("expected a ClassifiedError")
	}
	if ce.Class != ErrorInvalid || ce.Component != "Broker" || ce.Operation != "ReleaseIdentity" {
		t.Errorf("unexpected fields: %+v", ce)
	}
	if !Is(err, ErrNotHolder) {
		t.Error("classified error must unwrap to its sentinel")
	}
	if err.Error() != "Broker.ReleaseIdentity: check holder failed: identity not held by caller" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
