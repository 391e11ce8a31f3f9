package projection

import (
	"encoding/json"
)

// ReverseTable maps a forward command type to the template of its
// compensating command. The reverse descriptor is the forward descriptor
// with the template's fields laid over it.
type ReverseTable map[string]map[string]any

// NewReverseTable copies the [reverse] section of the configuration.
func NewReverseTable(m map[string]map[string]any) ReverseTable {
	t := make(ReverseTable, len(m))
	for forward, tmpl := range m {
		c := make(map[string]any, len(tmpl))
		for k, v := range tmpl {
			c[k] = v
		}
		t[forward] = c
	}
	return t
}

// Reverse has the signature of script.ReverseCommand.
func (t ReverseTable) Reverse(forward json.RawMessage) (json.RawMessage, bool) {
	var cmd map[string]any
	if err := json.Unmarshal(forward, &cmd); err != nil {
		return nil, false
	}
	typ, _ := cmd["type"].(string)
	tmpl, ok := t[typ]
	if !ok {
		return nil, false
	}
	for k, v := range tmpl {
		cmd[k] = v
	}
	if _, ok := tmpl["type"]; !ok {
		cmd["type"] = "undo_" + typ
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, false
	}
	return data, true
}
