package lsp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var headerTerminator = []byte("\r\n\r\n")

// ParseMessage extracts the first complete Content-Length framed message from
// buf and returns it together with the unconsumed remainder.
//
// When buf does not yet hold a complete frame, ParseMessage returns a nil
// message, buf unchanged and a nil error. A frame whose body is not a valid
// JSON-RPC message is consumed and reported with ErrMalformedMessage; a header
// block without a usable Content-Length is consumed and reported with
// ErrMissingContentLength. Either way the stream stays in sync.
func ParseMessage(buf []byte) (*Message, []byte, error) {
	headerEnd := bytes.Index(buf, headerTerminator)
	if headerEnd < 0 {
		return nil, buf, nil
	}
	bodyStart := headerEnd + len(headerTerminator)

	length, ok := contentLength(buf[:headerEnd])
	if !ok {
		return nil, buf[bodyStart:], ErrMissingContentLength
	}

	if len(buf)-bodyStart < length {
		return nil, buf, nil
	}
	body := buf[bodyStart : bodyStart+length]
	rest := buf[bodyStart+length:]

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, rest, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Kind() == KindInvalid {
		return nil, rest, fmt.Errorf("%w: not a request, response or notification", ErrMalformedMessage)
	}
	return &msg, rest, nil
}

// contentLength finds the Content-Length header, matching the name
// case-insensitively and ignoring every other header.
func contentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// EncodeMessage serialises msg with a Content-Length header.
func EncodeMessage(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)
	return buf.Bytes(), nil
}
