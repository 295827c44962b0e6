package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLabelsMultiset tests counted add/remove semantics
func TestLabelsMultiset(t *testing.T) {
	l := NewLabels()

	l.Add("pool", "a", 1)
	l.Add("pool", "a", 1)
	l.Add("pool", "b", 1)

	assert.True(t, l.Has("pool"))
	assert.True(t, l.HasValue("pool", "a"))
	assert.Equal(t, 2, l.Count("pool", "a"))

	// Removing one contributor keeps the value alive.
	l.Remove("pool", "a", 1)
	assert.True(t, l.HasValue("pool", "a"))
	assert.Equal(t, 1, l.Count("pool", "a"))

	// Removing the last contributor drops the value.
	l.Remove("pool", "a", 1)
	assert.False(t, l.HasValue("pool", "a"))
	assert.True(t, l.Has("pool")) // "b" still present

	l.Remove("pool", "b", 1)
	assert.False(t, l.Has("pool"))
	assert.Empty(t, l)
}

// TestLabelsRemoveNeverNegative tests over-removal clamps at zero
func TestLabelsRemoveNeverNegative(t *testing.T) {
	l := NewLabels()
	l.Add("zone", "east", 1)
	l.Remove("zone", "east", 5)

	assert.False(t, l.Has("zone"))

	// Removing from an absent key is a no-op.
	l.Remove("nope", "x", 1)
	assert.Empty(t, l)
}

// TestFromMap tests lifting plain maps
func TestFromMap(t *testing.T) {
	l := FromMap(map[string]string{"zone": "east", "disk": "ssd"})

	assert.Equal(t, 1, l.Count("zone", "east"))
	assert.Equal(t, 1, l.Count("disk", "ssd"))
	assert.False(t, l.HasValue("zone", "west"))
}

// TestLabelsMergeSubtract tests multiset union and difference
func TestLabelsMergeSubtract(t *testing.T) {
	a := NewLabels()
	a.Add("pool", "a", 2)

	b := NewLabels()
	b.Add("pool", "a", 1)
	b.Add("pool", "b", 1)

	a.Merge(b)
	assert.Equal(t, 3, a.Count("pool", "a"))
	assert.Equal(t, 1, a.Count("pool", "b"))

	a.Subtract(b)
	assert.Equal(t, 2, a.Count("pool", "a"))
	assert.False(t, a.HasValue("pool", "b"))
}

// TestLabelsUnionDoesNotMutate tests Union leaves inputs untouched
func TestLabelsUnionDoesNotMutate(t *testing.T) {
	a := NewLabels()
	a.Add("k", "v", 1)
	b := NewLabels()
	b.Add("k", "v", 1)

	u := a.Union(b)
	assert.Equal(t, 2, u.Count("k", "v"))
	assert.Equal(t, 1, a.Count("k", "v"))
	assert.Equal(t, 1, b.Count("k", "v"))
}

// TestLabelsClone tests deep copy independence
func TestLabelsClone(t *testing.T) {
	a := NewLabels()
	a.Add("k", "v", 1)

	c := a.Clone()
	c.Add("k", "v", 1)
	c.Add("x", "y", 1)

	assert.Equal(t, 1, a.Count("k", "v"))
	assert.False(t, a.Has("x"))
}
