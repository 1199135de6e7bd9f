package feeds

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable feed error", &Error{Feed: "nivoda", Op: "search", Status: 503, Retryable: true, Err: errors.New("upstream")}, true},
		{"fatal feed error", &Error{Feed: "nivoda", Op: "search", Status: 422, Err: errors.New("bad filter")}, false},
		{"wrapped fatal", fmt.Errorf("page fetch: %w", &Error{Feed: "demo", Op: "search", Status: 400, Err: errors.New("nope")}), false},
		{"plain error counts as retryable", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable = %t, want %t", tc.name, got, tc.want)
		}
	}
}

func TestErrorMessageIncludesStatus(t *testing.T) {
	err := &Error{Feed: "nivoda", Op: "count", Status: 429, Retryable: true, Err: errors.New("slow down")}
	msg := err.Error()
	if msg != "nivoda count: status 429: slow down" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewDemo("demo", 1, 1))
	r.Register(NewDemo("alt", 1, 1))

	if _, err := r.Get("demo"); err != nil {
		t.Fatalf("get demo: %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unknown feed")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "alt" || names[1] != "demo" {
		t.Fatalf("names %v, want [alt demo]", names)
	}
}
