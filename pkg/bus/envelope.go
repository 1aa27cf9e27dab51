package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

const (
	topicSeparator = 0x00

	encodingSnappy = "snappy"
)

// Message is a decoded bus message as handed to listeners
type Message struct {
	Topic     string
	Sender    string
	Timestamp time.Time
	Payload   json.RawMessage
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// envelope is the wire shape after the topic prefix. Data carries the payload
// verbatim; Compressed carries it snappy-encoded when it exceeded the
// compression threshold.
type envelope struct {
	Topic      string          `json:"topic"`
	Sender     string          `json:"sender"`
	Timestamp  int64           `json:"ts"`
	Encoding   string          `json:"enc,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Compressed []byte          `json:"z,omitempty"`
}

// encodeFrame builds "<topic>\x00<envelope json>". The topic prefix lets SUB
// sockets filter without decoding the envelope.
func encodeFrame(topic, sender string, payload []byte, now time.Time, compressThreshold int) ([]byte, error) {
	if topic == "" || bytes.IndexByte([]byte(topic), topicSeparator) >= 0 {
		return nil, fmt.Errorf("%w: bad topic %q", ErrInvalidFrame, topic)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload for %q is not JSON", ErrInvalidFrame, topic)
	}

	env := envelope{
		Topic:     topic,
		Sender:    sender,
		Timestamp: now.UnixMilli(),
	}
	if compressThreshold > 0 && len(payload) > compressThreshold {
		env.Encoding = encodingSnappy
		env.Compressed = snappy.Encode(nil, payload)
	} else {
		env.Data = payload
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	frame := make([]byte, 0, len(topic)+1+len(body))
	frame = append(frame, topic...)
	frame = append(frame, topicSeparator)
	frame = append(frame, body...)
	return frame, nil
}

// decodeFrame reverses encodeFrame
func decodeFrame(frame []byte) (Message, error) {
	idx := bytes.IndexByte(frame, topicSeparator)
	if idx <= 0 {
		return Message{}, fmt.Errorf("%w: missing topic prefix", ErrInvalidFrame)
	}
	topic := string(frame[:idx])

	var env envelope
	if err := json.Unmarshal(frame[idx+1:], &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Topic != topic {
		return Message{}, fmt.Errorf("%w: topic prefix %q does not match envelope %q", ErrInvalidFrame, topic, env.Topic)
	}

	payload := []byte(env.Data)
	switch env.Encoding {
	case "":
	case encodingSnappy:
		decoded, err := snappy.Decode(nil, env.Compressed)
		if err != nil {
			return Message{}, fmt.Errorf("%w: snappy: %v", ErrInvalidFrame, err)
		}
		payload = decoded
	default:
		return Message{}, fmt.Errorf("%w: unknown encoding %q", ErrInvalidFrame, env.Encoding)
	}

	return Message{
		Topic:     topic,
		Sender:    env.Sender,
		Timestamp: time.UnixMilli(env.Timestamp),
		Payload:   payload,
	}, nil
}
