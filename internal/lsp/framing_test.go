package lsp

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(body string) []byte {
	return []byte("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)
}

func TestEncodeMessage_RoundTrip(t *testing.T) {
	req, err := NewRequest(20, "workspace/executeCommand", map[string]any{"command": "dbt.listNodes"})
	require.NoError(t, err)

	data, err := EncodeMessage(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Content-Length: ")

	msg, rest, err := ParseMessage(data)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Empty(t, rest)
	assert.Equal(t, KindRequest, msg.Kind())
	assert.Equal(t, "workspace/executeCommand", msg.Method)
	assert.Equal(t, "2.0", msg.JSONRPC)
	id, ok := msg.NumericID()
	require.True(t, ok)
	assert.Equal(t, int64(20), id)
	assert.JSONEq(t, `{"command":"dbt.listNodes"}`, string(msg.Params))
}

func TestParseMessage_Incomplete(t *testing.T) {
	full := frame(`{"jsonrpc":"2.0","id":1,"result":{}}`)

	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "empty", buf: nil},
		{name: "partial header", buf: full[:10]},
		{name: "header only", buf: []byte("Content-Length: 40\r\n\r\n")},
		{name: "partial body", buf: full[:len(full)-3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, rest, err := ParseMessage(tt.buf)
			require.NoError(t, err)
			assert.Nil(t, msg)
			assert.Equal(t, tt.buf, rest)
		})
	}
}

func TestParseMessage_ChunkedDelivery(t *testing.T) {
	data := frame(`{"jsonrpc":"2.0","method":"dbt/lspCompileComplete","params":{}}`)

	var buf []byte
	var got *Message
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		buf = append(buf, data[i:end]...)

		msg, rest, err := ParseMessage(buf)
		require.NoError(t, err)
		buf = rest
		if msg != nil {
			got = msg
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, KindNotification, got.Kind())
	assert.Equal(t, "dbt/lspCompileComplete", got.Method)
	assert.Empty(t, buf)
}

func TestParseMessage_BackToBack(t *testing.T) {
	var buf []byte
	buf = append(buf, frame(`{"jsonrpc":"2.0","id":20,"result":"a"}`)...)
	buf = append(buf, frame(`{"jsonrpc":"2.0","id":21,"result":"b"}`)...)
	buf = append(buf, frame(`{"jsonrpc":"2.0","method":"$/progress","params":{}}`)...)

	var kinds []MessageKind
	for {
		msg, rest, err := ParseMessage(buf)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		kinds = append(kinds, msg.Kind())
		buf = rest
	}
	assert.Equal(t, []MessageKind{KindResponse, KindResponse, KindNotification}, kinds)
	assert.Empty(t, buf)
}

func TestParseMessage_Malformed(t *testing.T) {
	next := frame(`{"jsonrpc":"2.0","id":22,"result":null}`)

	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{
			name:    "invalid json",
			buf:     append(frame(`{not json}`), next...),
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "neither request nor response",
			buf:     append(frame(`{"jsonrpc":"2.0"}`), next...),
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "missing content length",
			buf:     append([]byte("Content-Type: application/json\r\n\r\n"), next...),
			wantErr: ErrMissingContentLength,
		},
		{
			name:    "non-numeric content length",
			buf:     append([]byte("Content-Length: abc\r\n\r\n"), next...),
			wantErr: ErrMissingContentLength,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, rest, err := ParseMessage(tt.buf)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, msg)

			// The stream stays in sync: the following frame still parses.
			msg, rest, err = ParseMessage(rest)
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, KindResponse, msg.Kind())
			assert.Empty(t, rest)
		})
	}
}

func TestParseMessage_HeaderCaseAndExtraHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":5,"result":true}`
	data := []byte("content-type: application/vscode-jsonrpc; charset=utf-8\r\ncontent-length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)

	msg, rest, err := ParseMessage(data)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Empty(t, rest)
	assert.Equal(t, "true", string(msg.Result))
}

func TestMessage_Kind(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want MessageKind
	}{
		{name: "request", raw: `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, want: KindRequest},
		{name: "string id request", raw: `{"jsonrpc":"2.0","id":"abc","method":"x"}`, want: KindRequest},
		{name: "notification", raw: `{"jsonrpc":"2.0","method":"exit"}`, want: KindNotification},
		{name: "null id notification", raw: `{"jsonrpc":"2.0","id":null,"method":"exit"}`, want: KindNotification},
		{name: "response", raw: `{"jsonrpc":"2.0","id":1,"result":{"a":1}}`, want: KindResponse},
		{name: "null result response", raw: `{"jsonrpc":"2.0","id":1,"result":null}`, want: KindResponse},
		{name: "error response", raw: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, want: KindErrorResponse},
		{name: "error without id", raw: `{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse"}}`, want: KindErrorResponse},
		{name: "empty", raw: `{"jsonrpc":"2.0"}`, want: KindInvalid},
		{name: "id only", raw: `{"jsonrpc":"2.0","id":3}`, want: KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &msg))
			assert.Equal(t, tt.want, msg.Kind())
		})
	}
}

func TestMessage_NumericID(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"abc","method":"x"}`), &msg))
	_, ok := msg.NumericID()
	assert.False(t, ok, "string ids never match pending requests")

	require.NoError(t, json.Unmarshal([]byte(`{"id":42,"result":1}`), &msg))
	id, ok := msg.NumericID()
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestNewResponse_NilResultIsNull(t *testing.T) {
	resp, err := NewResponse(json.RawMessage("7"), nil)
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":null}`, string(data))
}

func TestNewNotification_OmitsID(t *testing.T) {
	msg, err := NewNotification("initialized", struct{}{})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"initialized","params":{}}`, string(data))
	assert.Equal(t, KindNotification, msg.Kind())
}
