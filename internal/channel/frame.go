package channel

import (
	"encoding/json"
)

// FrameType discriminates channel frames.
type FrameType string

const (
	FrameNotification FrameType = "notification"
	FrameAck          FrameType = "ack"
	FramePing         FrameType = "ping"
)

// Frame is the JSON envelope of every channel message.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AckData is the payload of an ack frame.
type AckData struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}

// NewAckFrame builds an ack frame.
func NewAckFrame(action, id string) (Frame, error) {
	data, err := json.Marshal(AckData{Action: action, ID: id})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameAck, Data: data}, nil
}
