package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventHistoryBeforeWrap(t *testing.T) {
	h := newEventHistory(3)
	h.record("a")
	h.record("b")
	assert.Equal(t, []string{"a", "b"}, h.snapshot())
}

func TestEventHistoryWrapsAtCapacity(t *testing.T) {
	h := newEventHistory(3)
	h.record("a")
	h.record("b")
	h.record("c")
	h.record("d")
	assert.Equal(t, []string{"b", "c", "d"}, h.snapshot())
}

func TestEventHistoryDefaultCapacity(t *testing.T) {
	h := newEventHistory(0)
	assert.Equal(t, defaultEventHistoryCapacity, h.capacity)
}
