// ABOUTME: Tests for error kinds and their HTTP mapping
// ABOUTME: Covers wrapping, sentinel matching, and message redaction

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := New(KindConflict, "gateway name already exists")
	wrapped := fmt.Errorf("creating gateway: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindConflict))
	assert.True(t, errors.Is(wrapped, base))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestWrap_NilStaysNil(t *testing.T) {
	assert.NoError(t, Wrap(KindUnavailable, "store", nil))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Wrap(KindUnavailable, "store unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Equal(t, "store unavailable: database is locked", err.Error())
}

func TestMessageOf_HidesInternalDetail(t *testing.T) {
	assert.Equal(t, "internal error", MessageOf(errors.New("sql: secret detail")))
	assert.Equal(t, "internal error", MessageOf(New(KindInternal, "disk path /var/x")))
	assert.Equal(t, "invalid cidr", MessageOf(New(KindValidation, "invalid cidr")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:     http.StatusNotFound,
		KindForbidden:    http.StatusForbidden,
		KindValidation:   http.StatusBadRequest,
		KindConflict:     http.StatusConflict,
		KindRevoked:      http.StatusUnauthorized,
		KindExpired:      http.StatusUnauthorized,
		KindUnauthorized: http.StatusUnauthorized,
		KindUnavailable:  http.StatusServiceUnavailable,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, Wrap(KindConflict, "gateway name taken", errors.New("UNIQUE constraint failed")))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"kind":"conflict","message":"gateway name taken"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteHTTP(rec, errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"kind":"internal","message":"internal error"}}`, rec.Body.String())
}
