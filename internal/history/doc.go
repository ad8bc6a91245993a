// Package history windows a long transcript for display.
//
// Window returns the last n elements of a slice. Pager holds the window
// size for one conversation: LoadOlder grows it a page at a time up to
// the transcript length, Observe keeps it following new messages while
// the view is already showing everything, and Reset returns to one page
// when the conversation changes.
//
// Growing the window pushes content in above the viewport. Capture the
// scroll anchor before changing it and Restore the anchor after the view
// has re-rendered:
//
//	anchor := history.Capture(view)
//	pager.LoadOlder(len(msgs))
//	render()
//	anchor.Restore(view)
package history
