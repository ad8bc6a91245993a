// ABOUTME: Two-phase scroll anchor that keeps visible content still when the window grows
// ABOUTME: Capture before the data change, Restore after the view has re-rendered

package history

// Viewport is a scrollable view whose content height changes when the
// window grows.
type Viewport interface {
	ScrollHeight() int
	ScrollOffset() int
	ScrollTo(offset int)
}

// Anchor remembers the scroll position before a change.
type Anchor struct {
	height int
	offset int
}

// Capture records v's current height and offset.
func Capture(v Viewport) Anchor {
	return Anchor{height: v.ScrollHeight(), offset: v.ScrollOffset()}
}

// Offset returns the offset that keeps the same content in view for a
// view that is now newHeight tall.
func (a Anchor) Offset(newHeight int) int {
	return max(a.offset+(newHeight-a.height), 0)
}

// Restore scrolls v by the height it gained since Capture and returns the
// new offset.
func (a Anchor) Restore(v Viewport) int {
	off := a.Offset(v.ScrollHeight())
	v.ScrollTo(off)
	return off
}
