// Package render turns chat views into terminal output and exported
// transcripts.
//
// Transcript draws a whole view: the hidden-history hint, the visible
// messages, the status log and the in-flight indicators. Printer is the
// incremental form used by the interactive client; it remembers what was
// already written and emits only the growth of the streaming message.
//
// ExportHTML converts a transcript to a standalone HTML page, rendering
// message content as Markdown with goldmark. Raw HTML in content is
// omitted.
//
// Colour output follows fatih/color, which disables itself when stdout is
// not a terminal or NO_COLOR is set.
package render
