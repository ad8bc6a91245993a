// Package api is the request/response client for conversations.
//
// It starts conversations, posts follow-up messages, pages through
// history, and lists or deletes conversations. Every call carries the
// configured bearer token. Failures are returned as *RequestError, which
// matches ErrRequestFailed with errors.Is.
package api
