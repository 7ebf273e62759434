// Package hub provides a thread-safe websocket broadcast hub
// using the idiomatic Go channel-based fan-out pattern.
//
// One Hub serves one topic. A Set groups the hubs of a server and answers
// how many subscribers a topic has, so producers can skip work nobody reads.
package hub

import "github.com/teslashibe/go-fiducial/pkg/protocol"

// Message is one pre-encoded JSON text frame broadcast to every client.
type Message struct {
	Data []byte
}

// NewJSONMessage creates a JSON message from pre-encoded bytes
func NewJSONMessage(data []byte) Message {
	return Message{Data: data}
}

// FromProtocol encodes a protocol envelope as a JSON hub message.
func FromProtocol(msg *protocol.Message) (Message, error) {
	data, err := msg.Bytes()
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}
