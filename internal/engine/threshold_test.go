package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrossedCreationThreshold(t *testing.T) {
	const threshold = 100

	assert.True(t, CrossedCreationThreshold(99, 100, threshold), "crossing from below triggers")
	assert.True(t, CrossedCreationThreshold(0, 2500, threshold), "jumping far past triggers")
	assert.False(t, CrossedCreationThreshold(100, 150, threshold), "already at threshold does not retrigger")
	assert.False(t, CrossedCreationThreshold(150, 99, threshold), "dropping below never triggers")
	assert.False(t, CrossedCreationThreshold(50, 99, threshold), "staying below never triggers")
	assert.False(t, CrossedCreationThreshold(100, 100, threshold), "no movement at threshold")
}
