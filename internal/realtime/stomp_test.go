package realtime

import (
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	f := frame.New(frame.MESSAGE, "destination", "/topic/plant/P1", "subscription", "sub-1")
	f.Body = []byte(`{"type":"TELEMETRY"}`)

	frames, err := DecodeFrames(Encode(f))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	got := frames[0]
	assert.Equal(t, frame.MESSAGE, got.Command)
	assert.Equal(t, "/topic/plant/P1", got.Header.Get("destination"))
	assert.Equal(t, "20", got.Header.Get("content-length"))
	assert.Equal(t, f.Body, got.Body)
}

func TestHeaderEscaping(t *testing.T) {
	f := frame.New(frame.ERROR, "message", "bad: thing\nhappened")

	frames, err := DecodeFrames(Encode(f))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "bad: thing\nhappened", frames[0].Header.Get("message"))
}

func TestDecodeSkipsHeartBeatsAndSplitsFrames(t *testing.T) {
	raw := []byte("\n\r\nMESSAGE\ndestination:/a\n\nhello\x00\nRECEIPT\nreceipt-id:7\n\n\x00\n")

	frames, err := DecodeFrames(raw)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "hello", string(frames[0].Body))
	assert.Equal(t, frame.RECEIPT, frames[1].Command)
	assert.Equal(t, "7", frames[1].Header.Get("receipt-id"))

	frames, err = DecodeFrames([]byte("\n\n"))
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = DecodeFrames(nil)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestDecodeHonoursContentLength(t *testing.T) {
	raw := []byte("MESSAGE\ncontent-length:3\n\na\x00b\x00")

	frames, err := DecodeFrames(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("a\x00b"), frames[0].Body)
}

func TestDecodeRejectsBrokenFrames(t *testing.T) {
	cases := map[string]string{
		"truncated":       "MESSAGE\ndestination:/a\n\nno terminator",
		"no header sep":   "MESSAGE\nbroken\n\n\x00",
		"bad length":      "MESSAGE\ncontent-length:x\n\n\x00",
		"short body":      "MESSAGE\ncontent-length:10\n\nab\x00",
		"missing header":  "MESSAGE",
		"unknown command": "HELLO\n\n\x00",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrames([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeKeepsFramesBeforeBrokenOne(t *testing.T) {
	raw := []byte("RECEIPT\nreceipt-id:1\n\n\x00MESSAGE\ndestination:/a\n\ncut")

	frames, err := DecodeFrames(raw)
	assert.ErrorIs(t, err, errIncompleteFrame)
	require.Len(t, frames, 1)
	assert.Equal(t, "1", frames[0].Header.Get("receipt-id"))
}
