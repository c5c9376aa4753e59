package stream

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client message types.
const (
	MsgSubscribe          = "subscribe"
	MsgUnsubscribe        = "unsubscribe"
	MsgUpdateSdMultiplier = "updateSdMultiplier"
)

// Server message types.
const (
	MsgOptionChain = "optionChain"
	MsgError       = "error"
)

// ClientMessage is an inbound dashboard request.
type ClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
	Value   float64  `json:"value,omitempty"`
}

// OptionChainMessage is the outbound snapshot frame.
type OptionChainMessage struct {
	Type string          `json:"type"`
	Data models.Snapshot `json:"data"`
}

// ErrorMessage tells a client its request was rejected.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ParseClientMessage decodes and validates an inbound frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, apperrors.NewProtocolError("client", string(data),
			fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err))
	}

	switch m.Type {
	case MsgSubscribe, MsgUnsubscribe:
		if len(m.Symbols) == 0 {
			return ClientMessage{}, apperrors.NewProtocolError("client", string(data),
				fmt.Errorf("%w: symbols required", apperrors.ErrMalformedMessage))
		}
	case MsgUpdateSdMultiplier:
		if !(m.Value > 0) || m.Value > 100 {
			return ClientMessage{}, apperrors.NewProtocolError("client", string(data),
				fmt.Errorf("%w: value must be in (0, 100]", apperrors.ErrMalformedMessage))
		}
	default:
		return ClientMessage{}, apperrors.NewProtocolError("client", string(data),
			fmt.Errorf("%w: %q", apperrors.ErrUnknownMessage, m.Type))
	}
	return m, nil
}

func encodeSnapshot(snap models.Snapshot) ([]byte, error) {
	if snap == nil {
		snap = models.Snapshot{}
	}
	return json.Marshal(OptionChainMessage{Type: MsgOptionChain, Data: snap})
}
