package xerrors

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if Wrap(Transient, nil, "anything") != nil {
		t.Fatal("wrapping nil should return nil")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"New", New(NotFound, "thread missing"), NotFound},
		{"Wrap", Wrap(Transient, io.ErrUnexpectedEOF, "fetch"), Transient},
		{"DoubleWrap", fmt.Errorf("outer: %w", New(Blocked, "peer blocked")), Blocked},
		{"Plain", errors.New("plain"), 0},
		{"Nil", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("kind=%v want %v", got, tc.want)
			}
		})
	}
}

func TestCauseChainPreserved(t *testing.T) {
	err := Wrap(Transient, io.ErrUnexpectedEOF, "blob fetch")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("cause lost from chain")
	}
	if !Is(err, Transient) {
		t.Fatal("kind lost from chain")
	}
	if Is(err, Fatal) {
		t.Fatal("wrong kind matched")
	}
}

func TestMessageFormatting(t *testing.T) {
	err := Wrap(IntegrityViolation, errors.New("checksum mismatch"), "file import")
	want := "file import: checksum mismatch"
	if err.Error() != want {
		t.Fatalf("msg=%q want %q", err.Error(), want)
	}
}
