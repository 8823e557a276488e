package reconciler

import "encoding/json"

// ToMap round-trips v through JSON to obtain the map[string]interface{}
// representation Diff operates on.
func ToMap(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// FromMap round-trips m back into a typed struct (the inverse of ToMap),
// used when a local or remote view assembled as a map must be handed to
// the netapi client as a concrete request body.
func FromMap(m map[string]interface{}, out interface{}) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, out)
}

// CloneMap returns a shallow copy of m, or nil if m is nil.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
