// ABOUTME: Pure encode/decode functions for the text-frame wire protocol
// ABOUTME: Decoding tolerates multi-line bodies and passes unknown commands through

package frame

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is matched by every decoding failure.
var ErrDecode = errors.New("frame decode failed")

// ErrEncode is matched by every encoding failure.
var ErrEncode = errors.New("frame encode failed")

// DecodeError describes a malformed inbound payload.
type DecodeError struct {
	Line   int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("frame decode failed at line %d: %s", e.Line, e.Reason)
	}
	return "frame decode failed: " + e.Reason
}

// Is lets errors.Is(err, ErrDecode) match.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Encode serialises f into its wire representation.
//
// Header keys may not contain ':' or line breaks, header values may not
// contain line breaks, and the body may not contain the terminator byte;
// any of those would make the frame undecodable.
func Encode(f Frame) ([]byte, error) {
	if f.Command == "" || strings.ContainsAny(f.Command, "\r\n:\x00") {
		return nil, fmt.Errorf("%w: invalid command %q", ErrEncode, f.Command)
	}
	if strings.IndexByte(f.Body, Terminator) >= 0 {
		return nil, fmt.Errorf("%w: body contains terminator byte", ErrEncode)
	}

	var b strings.Builder
	b.Grow(len(f.Command) + len(f.Body) + 32*len(f.Headers) + 3)

	b.WriteString(f.Command)
	b.WriteByte('\n')
	seen := make(map[string]struct{}, len(f.Headers))
	for _, h := range f.Headers {
		if h.Key == "" || strings.ContainsAny(h.Key, ":\r\n\x00") {
			return nil, fmt.Errorf("%w: invalid header key %q", ErrEncode, h.Key)
		}
		if strings.ContainsAny(h.Value, "\r\n\x00") {
			return nil, fmt.Errorf("%w: invalid value for header %q", ErrEncode, h.Key)
		}
		if _, dup := seen[h.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate header %q", ErrEncode, h.Key)
		}
		seen[h.Key] = struct{}{}

		b.WriteString(h.Key)
		b.WriteByte(':')
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(f.Body)
	b.WriteByte(Terminator)

	return []byte(b.String()), nil
}

// MustEncode is Encode for frames built from constants; it panics on error.
func MustEncode(f Frame) []byte {
	raw, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return raw
}

// Decode parses a raw payload into a Frame.
func Decode(raw []byte) (Frame, error) {
	data := string(raw)

	// Servers may prefix a frame with heart-beat EOLs.
	data = strings.TrimLeft(data, "\r\n")
	if data == "" {
		return Frame{}, &DecodeError{Reason: "empty payload"}
	}

	lines := strings.Split(data, "\n")

	command := strings.TrimSuffix(lines[0], "\r")
	if command == "" || strings.IndexByte(command, Terminator) >= 0 {
		return Frame{}, &DecodeError{Line: 1, Reason: "missing command"}
	}

	f := Frame{Command: command}

	i := 1
	terminated := false
	for ; i < len(lines); i++ {
		line := strings.TrimSuffix(lines[i], "\r")
		if line == "" {
			terminated = true
			i++
			break
		}
		// A header block cut short by the terminator means an empty body.
		if line == string(Terminator) {
			return f, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return Frame{}, &DecodeError{Line: i + 1, Reason: fmt.Sprintf("malformed header %q", line)}
		}
		// Repeated keys: the first occurrence wins.
		if _, exists := f.Headers.Get(key); !exists {
			f.Headers = append(f.Headers, Header{Key: key, Value: value})
		}
	}

	if !terminated {
		return Frame{}, &DecodeError{Line: i, Reason: "missing blank line after headers"}
	}

	body := strings.Join(lines[i:], "\n")
	if idx := strings.IndexByte(body, Terminator); idx >= 0 {
		// Anything after the terminator is trailing heart-beat EOLs.
		body = body[:idx]
	}
	f.Body = body

	return f, nil
}
