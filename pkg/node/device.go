package node

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// DeviceID is the identifier a command node passes to the cloud. An empty DeviceID is valid: the
// command is still sent, but its result is not forwarded.
type DeviceID struct {
	value string
}

// ResolveDeviceID returns configured if it is non-empty and the message payload, converted to a
// string, otherwise.
func ResolveDeviceID(configured string, payload interface{}) DeviceID {
	if configured != "" {
		return DeviceID{value: configured}
	}
	return DeviceID{value: PayloadString(payload)}
}

// Value returns the identifier as sent to the cloud.
func (d DeviceID) Value() string {
	return d.value
}

// Present reports whether a usable identifier was resolved.
func (d DeviceID) Present() bool {
	return d.value != ""
}

func (d DeviceID) String() string {
	return d.value
}

// PayloadString converts a message payload into a device identifier.
//
// Numbers are formatted without exponents or trailing zeros (12345, not 1.2345e+04). Payloads
// without a natural string form are encoded as compact JSON.
func PayloadString(payload interface{}) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(encoded)
}
