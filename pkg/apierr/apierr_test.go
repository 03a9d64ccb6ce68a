package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad input"), http.StatusBadRequest},
		{"unauthorized", Unauthorized("denied"), http.StatusForbidden},
		{"not found", NotFound("task %s not found", "t1"), http.StatusNotFound},
		{"conflict", Conflict("task exists"), http.StatusConflict},
		{"unsupported", Unsupported("no such command"), http.StatusMethodNotAllowed},
		{"provider", Provider("create_lb", errors.New("boom")), http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped api error", fmt.Errorf("context: %w", NotFound("gone")), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "task t1 not found", NotFound("task %s not found", "t1").Error())

	p := Provider("create_lb", errors.New("quota exceeded"))
	assert.Equal(t, "create_lb: provider call failed: quota exceeded", p.Error())
	assert.Equal(t, "quota exceeded", errors.Unwrap(p).Error())
}

func TestIsKind(t *testing.T) {
	err := Conflict("busy")
	assert.True(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(err, KindNotFound))
	assert.True(t, IsKind(fmt.Errorf("wrap: %w", err), KindConflict))
	assert.False(t, IsKind(errors.New("plain"), KindConflict))
}
