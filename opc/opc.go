// Package opc implements the Open Pixel Control side of the server: the
// message framing and the TCP and websocket sinks that feed decoded frames to
// a handler.
package opc

import (
	"encoding/binary"
	"io"
)

// Commands.
const (
	// CommandSetPixelColors carries pixel data for one channel.
	CommandSetPixelColors uint8 = 0x00
	// CommandSystemExclusive carries device- or vendor-specific data.
	CommandSystemExclusive uint8 = 0xff
)

// headerSize is the fixed OPC frame header: channel, command and a 16-bit
// big-endian data length.
const headerSize = 4

// BroadcastChannel addresses all channels at once.
const BroadcastChannel uint8 = 0

// Message is one decoded OPC frame.
type Message struct {
	// Channel the frame is addressed to. 0 broadcasts to all channels.
	Channel uint8
	// Command describes how Data is to be interpreted.
	Command uint8
	// Data is the frame payload. For CommandSetPixelColors this is a sequence
	// of 3-byte RGB pixel values.
	Data []byte
}

// Handler handles one decoded frame. It is invoked synchronously on the
// sink's goroutine, once per frame, with no guaranteed goroutine identity
// across calls.
type Handler func(msg Message)

// ReadMessage reads exactly one frame from r. It returns io.EOF when the
// stream ends cleanly between frames and io.ErrUnexpectedEOF when it ends
// mid-frame.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	msg := Message{
		Channel: header[0],
		Command: header[1],
	}
	length := binary.BigEndian.Uint16(header[2:])
	if length > 0 {
		msg.Data = make([]byte, length)
		if _, err := io.ReadFull(r, msg.Data); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
	return msg, nil
}
