package metastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOtherSlot(t *testing.T) {
	assert.Equal(t, SlotB, OtherSlot(SlotA))
	assert.Equal(t, SlotA, OtherSlot(SlotB))
}

func TestCachedActiveSlot_DefaultsToSlotA(t *testing.T) {
	s := &Store{}
	assert.Equal(t, SlotA, s.CachedActiveSlot())
}
