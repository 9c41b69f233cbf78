package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Coordinates is a 3D vector as reported by the phone app.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// BlendShape is one named facial blend-shape weight.
type BlendShape struct {
	Key   string  `json:"k"`
	Value float64 `json:"v"`
}

// Frame is one decoded tracking sample. Coordinate fields are nil when the
// phone did not report them (no face, or unsupported by the device).
type Frame struct {
	Timestamp   float64      `json:"Timestamp"`
	Hotkey      int          `json:"Hotkey"`
	FaceFound   bool         `json:"FaceFound"`
	Position    *Coordinates `json:"Position,omitempty"`
	Rotation    *Coordinates `json:"Rotation,omitempty"`
	EyeLeft     *Coordinates `json:"EyeLeft,omitempty"`
	EyeRight    *Coordinates `json:"EyeRight,omitempty"`
	BlendShapes []BlendShape `json:"BlendShapes"`
}

// ErrEmptyDatagram is returned by DecodeFrame for zero-length payloads.
var ErrEmptyDatagram = errors.New("empty tracking datagram")

// DecodeFrame parses one tracking response datagram.
func DecodeFrame(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, ErrEmptyDatagram
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decode tracking datagram: %w", err)
	}
	return f, nil
}

// blendShape returns the value of the named blend shape.
func (f Frame) blendShape(key string) (float64, bool) {
	for _, bs := range f.BlendShapes {
		if bs.Key == key {
			return bs.Value, true
		}
	}
	return 0, false
}

// Request is the datagram that asks the phone app to stream tracking data
// to the listed ports for Time seconds.
type Request struct {
	MessageType string  `json:"messageType"`
	Time        float64 `json:"time"`
	SentBy      string  `json:"sentBy"`
	Ports       []int   `json:"ports"`
}

// RequestMessageType is the messageType of a tracking data request.
const RequestMessageType = "iOSTrackingDataRequest"

// EncodeRequest builds the request datagram.
func EncodeRequest(sentBy string, seconds float64, ports ...int) ([]byte, error) {
	return json.Marshal(Request{
		MessageType: RequestMessageType,
		Time:        seconds,
		SentBy:      sentBy,
		Ports:       ports,
	})
}
