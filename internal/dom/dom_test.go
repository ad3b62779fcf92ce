package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRectGeometry(t *testing.T) {
	t.Parallel()
	vp := Rect{Width: 100, Height: 100}

	inside := Rect{X: 10, Y: 10, Width: 20, Height: 20}
	partial := Rect{X: 90, Y: 90, Width: 20, Height: 20}
	outside := Rect{X: 120, Y: 0, Width: 10, Height: 10}

	assert.True(t, inside.Within(vp))
	assert.True(t, inside.Intersects(vp))
	assert.False(t, partial.Within(vp))
	assert.True(t, partial.Intersects(vp))
	assert.False(t, outside.Intersects(vp))

	assert.Equal(t, Point{X: 20, Y: 20}, inside.Center())
	assert.Equal(t, Rect{X: 90, Y: 90, Width: 10, Height: 10}, partial.Intersect(vp))
	assert.True(t, outside.Intersect(vp).Empty())
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "export csv", NormalizeText("  Export CSV \n"))
	assert.Equal(t, "", NormalizeText("   "))
}

func TestAttributeSelector(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `[data-testid="export"]`, AttributeSelector("data-testid", "export"))
	assert.Equal(t, `[aria-label="say \"hi\" \\ bye"]`, AttributeSelector("aria-label", `say "hi" \ bye`))
}
