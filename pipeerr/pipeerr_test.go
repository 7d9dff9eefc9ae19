package pipeerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	t.Parallel()
	base := errors.New("connection reset")
	err := fmt.Errorf("render: %w", Wrap(UpstreamRetryable, "remote.render", base, "render service unreachable"))

	if got := KindOf(err); got != UpstreamRetryable {
		t.Fatalf("KindOf = %v, want %v", got, UpstreamRetryable)
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is lost the cause")
	}
	if got, want := Message(err), "render service unreachable"; got != want {
		t.Fatalf("Message = %q, want %q", got, want)
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "msg_only", err: New(ValidationFailed, "", "empty asset"), want: "empty asset"},
		{name: "op_msg", err: New(StateGuardViolation, "goto", "assets missing"), want: "goto: assets missing"},
		{name: "op_cause", err: Wrap(UpstreamFatal, "publish", errors.New("403"), ""), want: "publish: 403"},
		{name: "op_msg_cause", err: Wrap(UpstreamFatal, "publish", errors.New("403"), "rejected"), want: "publish: rejected: 403"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()
	if err := Wrap(UpstreamFatal, "x", nil, "msg"); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
	if Is(nil, UpstreamFatal) {
		t.Fatalf("Is(nil) = true")
	}
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatalf("plain error should be Unknown")
	}
}
