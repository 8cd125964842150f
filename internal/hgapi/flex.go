package hgapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var jsonNull = []byte("null")

// FlexInt decodes an integer sent either as a JSON number or as a numeric
// string (surrounding whitespace allowed). Set is false when the field was
// absent, null or not a number.
type FlexInt struct {
	Value int64
	Set   bool
}

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	*f = FlexInt{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding numeric string: %w", err)
		}
		raw = strings.TrimSpace(s)
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*f = FlexInt{Value: n, Set: true}
		return nil
	}
	// Integral floats such as 1.7e9 are accepted; anything else is unset.
	if fl, err := strconv.ParseFloat(raw, 64); err == nil && fl == float64(int64(fl)) {
		*f = FlexInt{Value: int64(fl), Set: true}
	}
	return nil
}

// Or returns the value, or def when unset.
func (f FlexInt) Or(def int64) int64 {
	if f.Set {
		return f.Value
	}
	return def
}

// FlexString decodes a string that may also arrive as a bare number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	*f = ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding string: %w", err)
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		// Objects, arrays and booleans are treated as absent.
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

// FlexBool decodes a boolean sent as true/false, 0/1 or their string forms.
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(data []byte) error {
	*f = false
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding boolean string: %w", err)
		}
		raw = s
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1":
		*f = true
	}
	return nil
}
