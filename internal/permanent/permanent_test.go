package permanent

import (
	"errors"
	"fmt"
	"testing"

	"alertbridge/internal/domain"
)

func TestIs(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad header")
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: cause, want: false},
		{name: "marked", err: Mark(cause), want: true},
		{name: "wrapped mark", err: fmt.Errorf("handle: %w", Mark(cause)), want: true},
		{name: "malformed batch", err: &domain.MalformedBatchError{Reason: "empty body"}, want: true},
		{name: "store outage", err: &domain.StoreUnavailableError{Op: "get", Err: cause}, want: false},
	}
	for _, tc := range cases {
		if got := Is(tc.err); got != tc.want {
			t.Fatalf("%s: Is() = %v, want %v", tc.name, got, tc.want)
		}
	}
	if Mark(nil) != nil {
		t.Fatalf("Mark(nil) must be nil")
	}
	if !errors.Is(Mark(cause), cause) {
		t.Fatalf("marked error must unwrap to cause")
	}
}
