package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelRefs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil set", nil, []string{"None"}},
		{"empty set", []string{}, []string{"None"}},
		{"populated", []string{"a", "b"}, []string{"a", "b"}},
		{"stray sentinel dropped", []string{"None", "a"}, []string{"a"}},
		{"only sentinel collapses", []string{"None"}, []string{"None"}},
		{"blank entries dropped", []string{"", "a", ""}, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SentinelRefs(tt.in))
		})
	}
}

func TestParseRefs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"sentinel becomes empty", []string{"None"}, []string{}},
		{"plain set passes", []string{"a", "b"}, []string{"a", "b"}},
		{"mixed", []string{"None", "a", ""}, []string{"a"}},
		{"nil", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRefs(tt.in))
		})
	}
}

// TestSentinelRoundTrip verifies the two conversions compose to the
// identity on normalized sets.
func TestSentinelRoundTrip(t *testing.T) {
	assert.Equal(t, []string{}, ParseRefs(SentinelRefs(nil)))
	assert.Equal(t, []string{"x"}, ParseRefs(SentinelRefs([]string{"x"})))
}

func TestAddRef(t *testing.T) {
	assert.Equal(t, []string{"a"}, AddRef(nil, "a"))
	assert.Equal(t, []string{"a", "b"}, AddRef([]string{"a"}, "b"))
	assert.Equal(t, []string{"a"}, AddRef([]string{"a"}, "a"), "idempotent")
	assert.Equal(t, []string{"a"}, AddRef([]string{"None"}, "a"), "sentinel stripped on write")
}

func TestRemoveRef(t *testing.T) {
	assert.Equal(t, []string{"b"}, RemoveRef([]string{"a", "b"}, "a"))
	assert.Equal(t, []string{"a"}, RemoveRef([]string{"a"}, "missing"))
	assert.Equal(t, []string{}, RemoveRef([]string{"a"}, "a"))
}

func TestTaskHasListeners(t *testing.T) {
	tests := []struct {
		name      string
		listeners []string
		want      bool
	}{
		{"nil", nil, false},
		{"sentinel only", []string{"None"}, false},
		{"real listener", []string{"lst1"}, true},
		{"sentinel plus real", []string{"None", "lst1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Listeners: tt.listeners}
			assert.Equal(t, tt.want, task.HasListeners())
		})
	}
}

func TestTaskFleetManaged(t *testing.T) {
	assert.False(t, (&Task{}).FleetManaged())
	assert.False(t, (&Task{Placement: PlacementExternal}).FleetManaged())
	assert.True(t, (&Task{Placement: "container-abc"}).FleetManaged())
}
