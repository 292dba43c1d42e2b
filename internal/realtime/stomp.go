package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

var errIncompleteFrame = errors.New("stomp: incomplete frame")

const endMarkerID = "plantwatch-end-of-message"

// endMarker is appended to every decoded message. frame.Reader reports a
// clean end and a truncated frame both as io.EOF, so a message is complete
// only if the marker itself is read back as a frame.
var endMarker = Encode(frame.New(frame.RECEIPT, "receipt-id", endMarkerID))

// Encode renders f with its trailing NUL, adding content-length when f has
// a body and none is set.
func Encode(f *frame.Frame) []byte {
	if f.Header == nil {
		f.Header = frame.NewHeader()
	}
	if len(f.Body) > 0 {
		if _, ok := f.Header.Contains("content-length"); !ok {
			f.Header.Set("content-length", strconv.Itoa(len(f.Body)))
		}
	}
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = frame.NewWriter(&buf).Write(f)
	return buf.Bytes()
}

// DecodeFrames parses every frame in one WebSocket message. Heart-beat EOLs
// between frames are skipped. It fails on a truncated or malformed frame,
// returning the frames decoded before it.
func DecodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(io.MultiReader(bytes.NewReader(data), bytes.NewReader(endMarker)))

	var frames []*frame.Frame
	for {
		f, err := r.Read()
		switch {
		case errors.Is(err, io.EOF):
			// The marker was swallowed by the last frame, which is therefore
			// the truncated one.
			if n := len(frames); n > 0 {
				frames = frames[:n-1]
			}
			return frames, errIncompleteFrame
		case err != nil:
			return frames, fmt.Errorf("stomp: %w", err)
		case f == nil:
			// heart-beat
		case f.Command == frame.RECEIPT && f.Header.Get("receipt-id") == endMarkerID:
			return frames, nil
		default:
			frames = append(frames, f)
		}
	}
}
