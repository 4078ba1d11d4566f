package versions

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrInvalidConfig indicates that a configuration blob is not valid JSON.
var ErrInvalidConfig = errors.New("versions: invalid config")

// Config is the editable page/widget configuration blob. The subsystem treats
// it as opaque beyond identity and structural equality.
type Config struct {
	raw json.RawMessage
}

// NewConfig validates raw input as a JSON document and returns a Config.
func NewConfig(rawInput []byte) (Config, error) {
	trimmed := strings.TrimSpace(string(rawInput))
	if trimmed == "" {
		return Config{}, fmt.Errorf("%w: empty", ErrInvalidConfig)
	}
	if !json.Valid([]byte(trimmed)) {
		return Config{}, fmt.Errorf("%w: malformed JSON", ErrInvalidConfig)
	}
	return Config{raw: json.RawMessage(trimmed)}, nil
}

// MustConfig converts a literal into a Config and panics on invalid input.
// Intended for defaults and tests only.
func MustConfig(literal string) Config {
	cfg, err := NewConfig([]byte(literal))
	if err != nil {
		panic(err)
	}
	return cfg
}

// DefaultConfig returns the seed configuration for newly created entities
// and for the reset operation.
func DefaultConfig() Config {
	return MustConfig(`{"page":{"title":"","blocks":[]},"widget":{"enabled":false,"position":"bottom-right"}}`)
}

// IsZero reports whether the config carries no data.
func (c Config) IsZero() bool {
	return len(c.raw) == 0
}

// JSON exposes the raw JSON document.
func (c Config) JSON() json.RawMessage {
	return c.raw
}

// String returns the raw JSON as text for storage columns.
func (c Config) String() string {
	return string(c.raw)
}

// Equal reports structural equality between two configs. Both documents are
// decoded before comparison so key order and whitespace differences never
// register as changes.
func (c Config) Equal(other Config) bool {
	if c.IsZero() || other.IsZero() {
		return c.IsZero() && other.IsZero()
	}
	var left, right any
	if err := json.Unmarshal(c.raw, &left); err != nil {
		return false
	}
	if err := json.Unmarshal(other.raw, &right); err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

// MarshalJSON emits the underlying document unchanged.
func (c Config) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// UnmarshalJSON validates and stores the incoming document.
func (c *Config) UnmarshalJSON(data []byte) error {
	parsed, err := NewConfig(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
