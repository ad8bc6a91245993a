// ABOUTME: Windowed view over a transcript that grows backwards one page at a time
// ABOUTME: The window only grows on LoadOlder and resets to one page on conversation switch

package history

import "sync"

// DefaultPageSize is the window growth step and initial size.
const DefaultPageSize = 10

// Window returns the last n elements of all, in original order. The
// result shares all's backing array.
func Window[T any](all []T, n int) []T {
	if n <= 0 {
		return all[:0]
	}
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Pager tracks the visible count for one conversation.
type Pager struct {
	mu       sync.Mutex
	pageSize int
	visible  int
}

// NewPager creates a pager showing one page. A pageSize below 1 uses
// DefaultPageSize.
func NewPager(pageSize int) *Pager {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	return &Pager{pageSize: pageSize, visible: pageSize}
}

// PageSize returns the growth step.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// Visible returns the current window size.
func (p *Pager) Visible() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// HasOlder reports whether messages exist above the window.
func (p *Pager) HasOlder(total int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return total > p.visible
}

// LoadOlder grows the window by one page, capped at total, and returns
// the new size. It never shrinks the window.
func (p *Pager) LoadOlder(total int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := min(p.visible+p.pageSize, total)
	if next > p.visible {
		p.visible = next
	}
	return p.visible
}

// Observe updates the window after the transcript changed to total
// messages. If the window showed everything before the newest message
// arrived, or a message is streaming, it grows to show everything. A
// bulk history load is more than one message past the window and leaves
// it alone. It returns the window size.
func (p *Pager) Observe(total int, streaming bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if total > p.visible && (total-1 <= p.visible || streaming) {
		p.visible = total
	}
	return p.visible
}

// Reset returns to a single page, for a new or switched conversation.
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = p.pageSize
}

// Slice returns the visible window of all.
func Slice[T any](p *Pager, all []T) []T {
	return Window(all, p.Visible())
}
