package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "not found", err: NotFoundf("ride %s", "r1"), want: NotFound},
		{name: "invalid", err: Invalidf("bad tier"), want: Invalid},
		{name: "conflict", err: Conflictf("illegal transition"), want: Conflict},
		{name: "wrapped internal", err: Wrap(Internal, "persist ride", errors.New("boom")), want: Internal},
		{name: "foreign error defaults to internal", err: errors.New("opaque"), want: Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Invalid, http.StatusBadRequest},
		{Conflict, http.StatusConflict},
		{Unauthorized, http.StatusUnauthorized},
		{ExternalFailure, http.StatusBadGateway},
		{Internal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ExternalFailure, "call psp", cause)

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if err.Error() == "" {
		t.Errorf("Error() returned empty string")
	}
}

func TestNewHasNoCause(t *testing.T) {
	err := New(Conflict, "ride already matched")
	if err.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil for a bare New error", err.Unwrap())
	}
}
