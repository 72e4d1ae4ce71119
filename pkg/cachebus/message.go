package cachebus

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"
)

// ErrInvalidMessage is returned for messages that cannot be applied
var ErrInvalidMessage = errors.New("invalid invalidation message")

// MessageType selects how a message addresses cache keys
type MessageType string

const (
	TypeKey     MessageType = "Key"
	TypeKeys    MessageType = "Keys"
	TypePattern MessageType = "Pattern"
)

// Message asks every instance to evict cache entries. Timestamp is the time
// the triggering mutation committed.
type Message struct {
	Type      MessageType `json:"type"`
	Keys      []string    `json:"keys,omitempty"`
	Pattern   string      `json:"pattern,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// KeyMessage invalidates a single key
func KeyMessage(key string, at time.Time) Message {
	return Message{Type: TypeKey, Keys: []string{key}, Timestamp: at}
}

// KeysMessage invalidates a list of keys
func KeysMessage(keys []string, at time.Time) Message {
	return Message{Type: TypeKeys, Keys: append([]string(nil), keys...), Timestamp: at}
}

// PatternMessage invalidates every key matching a glob pattern
func PatternMessage(pattern string, at time.Time) Message {
	return Message{Type: TypePattern, Pattern: pattern, Timestamp: at}
}

// Validate checks the message is well formed for its type
func (m Message) Validate() error {
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}

	switch m.Type {
	case TypeKey:
		if len(m.Keys) != 1 || m.Keys[0] == "" {
			return fmt.Errorf("%w: Key message needs exactly one key", ErrInvalidMessage)
		}
	case TypeKeys:
		if len(m.Keys) == 0 {
			return fmt.Errorf("%w: Keys message needs at least one key", ErrInvalidMessage)
		}
		for _, k := range m.Keys {
			if k == "" {
				return fmt.Errorf("%w: empty key", ErrInvalidMessage)
			}
		}
	case TypePattern:
		if m.Pattern == "" {
			return fmt.Errorf("%w: Pattern message needs a pattern", ErrInvalidMessage)
		}
		if _, err := path.Match(m.Pattern, ""); err != nil {
			return fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidMessage, m.Pattern, err)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Matches reports whether the message addresses key
func (m Message) Matches(key string) bool {
	if m.Type == TypePattern {
		ok, err := path.Match(m.Pattern, key)
		return err == nil && ok
	}
	for _, k := range m.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Encode validates and serializes a message for the wire
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invalidation message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a message received from the wire
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
