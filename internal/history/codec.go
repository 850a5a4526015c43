package history

import (
	"encoding/json"
	"fmt"

	"github.com/nfrund/relay/internal/protocol"
)

func encodeMessage(msg protocol.Message) ([]byte, error) {
	val, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode history message: %w", err)
	}
	return val, nil
}

func decodeMessage(val []byte) (protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(val, &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("decode history message: %w", err)
	}
	return msg, nil
}
