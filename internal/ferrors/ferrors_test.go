package ferrors

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestAs_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := Upstream(CodeUpstreamTimeout, 504, errors.New("dial tcp: i/o timeout"))
	wrapped := fmt.Errorf("dispatcher: backend call failed: %w", base)

	fe, ok := As(wrapped)
	if !ok {
		t.Fatal("expected *Error to be extractable from wrapped error")
	}
	if fe.Category != CategoryUpstream || fe.Code != CodeUpstreamTimeout || fe.Status != 504 {
		t.Errorf("unexpected error fields: %+v", fe)
	}
}

func TestAs_FalseForPlainError(t *testing.T) {
	if _, ok := As(errors.New("plain")); ok {
		t.Error("expected As to fail for a plain error")
	}
}

func TestWriteHeader_SetsReasonCode(t *testing.T) {
	w := httptest.NewRecorder()
	WriteHeader(w, Route(CodeRouteMiss))

	got := w.Header().Get(Header)
	want := "route-" + CodeRouteMiss
	if got != want {
		t.Errorf("got header %q, want %q", got, want)
	}
}

func TestWriteHeader_NoopForPlainError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteHeader(w, errors.New("plain"))

	if got := w.Header().Get(Header); got != "" {
		t.Errorf("expected no header set, got %q", got)
	}
}
