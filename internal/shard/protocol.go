// Package shard runs the option-chain engine across worker processes, one
// per symbol group, and merges their snapshots.
package shard

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType discriminates IPC messages.
type MessageType string

const (
	// Worker -> coordinator.
	TypeReady       MessageType = "ready"
	TypeOptionChain MessageType = "optionChain"
	TypeError       MessageType = "error"

	// Coordinator -> worker.
	TypeSubscribe MessageType = "subscribe"
	TypeShutdown  MessageType = "shutdown"
)

// Message is one newline-delimited IPC frame.
type Message struct {
	Type         MessageType     `json:"type"`
	Group        int             `json:"group"`
	Data         models.Snapshot `json:"data,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	SdMultiplier float64         `json:"sdMultiplier,omitempty"`
}

// ReadyMessage reports that a worker finished its startup selection.
func ReadyMessage(group int) Message {
	return Message{Type: TypeReady, Group: group}
}

// OptionChainMessage carries a worker's latest snapshot.
func OptionChainMessage(group int, snap models.Snapshot) Message {
	return Message{Type: TypeOptionChain, Group: group, Data: snap}
}

// ErrorMessage reports a worker failure.
func ErrorMessage(group int, reason string) Message {
	return Message{Type: TypeError, Group: group, Reason: reason}
}

// SubscribeMessage asks a worker to reselect with a new SD multiplier.
func SubscribeMessage(sdMultiplier float64) Message {
	return Message{Type: TypeSubscribe, SdMultiplier: sdMultiplier}
}

// ShutdownMessage asks a worker to exit.
func ShutdownMessage() Message {
	return Message{Type: TypeShutdown}
}

// Validate checks that the message is well formed for its type.
func (m Message) Validate() error {
	switch m.Type {
	case TypeReady, TypeShutdown, TypeOptionChain:
		return nil
	case TypeError:
		if m.Reason == "" {
			return fmt.Errorf("%w: error without reason", apperrors.ErrMalformedMessage)
		}
		return nil
	case TypeSubscribe:
		if m.SdMultiplier <= 0 {
			return fmt.Errorf("%w: sdMultiplier must be positive", apperrors.ErrMalformedMessage)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownMessage, m.Type)
	}
}

// Encoder writes messages as JSON lines. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return apperrors.Wrap(err, "encode message")
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return apperrors.Wrap(err, "write message")
	}
	return nil
}

const maxLineSize = 64 << 20

// Decoder reads JSON-line messages.
type Decoder struct {
	scanner *bufio.Scanner
	channel string
}

// NewDecoder creates a decoder reading from r. channel names the stream in
// protocol errors.
func NewDecoder(r io.Reader, channel string) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner, channel: channel}
}

// Decode returns the next message. Malformed or unknown lines yield a
// *ProtocolError and the decoder stays usable; io.EOF marks the end.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, apperrors.NewProtocolError(d.channel, string(line),
				fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err))
		}
		if err := m.Validate(); err != nil {
			return Message{}, apperrors.NewProtocolError(d.channel, string(line), err)
		}
		return m, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
