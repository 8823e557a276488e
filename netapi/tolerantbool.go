package netapi

import (
	"bytes"
	"encoding/json"
)

// TolerantBool canonicalizes NetAPI's loosely-typed boolean fields:
// {"true","1",true} → true; {"false","0",undefined,null,false} → false. Any
// other value is treated as false, since NetAPI is the remote authority here
// and an unexpected token should not be read as an affirmative anti-spoof
// grant.
type TolerantBool bool

func (t TolerantBool) Bool() bool { return bool(t) }

func (t *TolerantBool) UnmarshalJSON(data []byte) error {
	s := bytes.Trim(data, `"`)
	switch string(s) {
	case "true", "1":
		*t = true
	default:
		var b bool
		if err := json.Unmarshal(data, &b); err == nil {
			*t = TolerantBool(b)
			return nil
		}
		*t = false
	}
	return nil
}

func (t TolerantBool) MarshalJSON() ([]byte, error) {
	if t {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// ParseTolerantBool applies the same canonicalization to a loose
// interface{} value as read from a local (non-NetAPI) source, so that
// diff() can compare local and remote anti-spoof fields on equal footing.
func ParseTolerantBool(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x == "true" || x == "1"
	case TolerantBool:
		return bool(x)
	default:
		return false
	}
}
