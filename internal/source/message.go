package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StreamEvent is one normalized data message from a source. Never mutated
// after creation.
type StreamEvent struct {
	Source  string
	Key     uint64
	Arrival time.Time
}

// Kind tags a decoded protocol message.
type Kind int

const (
	// KindKeepalive covers subscription confirmations and any other
	// well-formed control frame: it proves the transport is alive but
	// carries no key and never becomes a StreamEvent.
	KindKeepalive Kind = iota

	// KindData is a block or slot notification carrying a key.
	KindData
)

// Message is the tagged variant produced by decoding one raw frame.
type Message struct {
	Kind Kind
	Key  uint64
}

// ErrUnrecognizedMessage reports a frame that could not be decoded.
// Callers discard the frame; the source is otherwise unaffected.
var ErrUnrecognizedMessage = errors.New("source: unrecognized protocol message")

// frame mirrors the JSON-RPC 2.0 notification shapes the providers send.
// blockNotification carries params.result.value.slot (some providers omit
// it and only set block.parentSlot); slotNotification carries
// params.result.slot.
type frame struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Slot  uint64 `json:"slot"`
			Value struct {
				Slot  uint64 `json:"slot"`
				Block struct {
					ParentSlot uint64 `json:"parentSlot"`
				} `json:"block"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// Decode classifies one raw frame exactly once, at the transport boundary.
// Block and slot notifications become KindData; subscription confirmations
// and unknown-but-valid JSON-RPC frames are keepalives.
func Decode(raw []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUnrecognizedMessage, err)
	}

	switch f.Method {
	case "blockNotification":
		key := f.Params.Result.Value.Slot
		if key == 0 && f.Params.Result.Value.Block.ParentSlot > 0 {
			key = f.Params.Result.Value.Block.ParentSlot + 1
		}

		if key == 0 {
			return Message{}, fmt.Errorf("%w: block notification without slot", ErrUnrecognizedMessage)
		}

		return Message{Kind: KindData, Key: key}, nil

	case "slotNotification":
		if f.Params.Result.Slot == 0 {
			return Message{}, fmt.Errorf("%w: slot notification without slot", ErrUnrecognizedMessage)
		}

		return Message{Kind: KindData, Key: f.Params.Result.Slot}, nil
	}

	return Message{Kind: KindKeepalive}, nil
}

// WSURL converts an HTTP endpoint URL into its websocket equivalent.
// Bare hosts default to wss.
func WSURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return "wss://" + raw
	}
}
