package errdefs

import (
	"errors"
	"io"
	"testing"
)

func TestWrapMatchesKindAndCause(t *testing.T) {
	err := Wrap(ErrConnectRefused, io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrConnectRefused) {
		t.Fatalf("expected kind to match, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected cause to match, got %v", err)
	}

	outer := Wrap(ErrConnection, err)
	if !errors.Is(outer, ErrConnection) || !errors.Is(outer, ErrConnectRefused) {
		t.Fatalf("nested wrap lost a kind: %v", outer)
	}
}

func TestWrapNilAndSameKind(t *testing.T) {
	if got := Wrap(ErrIO, nil); got != ErrIO {
		t.Fatalf("Wrap(kind, nil) = %v, want kind", got)
	}
	inner := Wrap(ErrIO, io.EOF)
	if got := Wrap(ErrIO, inner); got != inner {
		t.Fatalf("rewrapping the same kind should be a no-op, got %v", got)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{Wrap(ErrConnection, ErrConnectTimeout), ErrConnectTimeout},
		{Wrap(ErrChannelTimeout, io.EOF), ErrChannelTimeout},
		{ErrConnection, ErrConnection},
		{io.EOF, nil},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
