package script

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	lua "github.com/yuin/gopher-lua"
)

// decodeValue parses JSON text into a Lua value.
func decodeValue(L *lua.LState, text string) (lua.LValue, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return goToLua(L, v), nil
}

// goToLua converts a decoded JSON value to Lua.
// JSON nulls inside arrays leave holes in the resulting table.
func goToLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		tbl := L.CreateTable(len(v), 0)
		for i, item := range v {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(v))
		for k, item := range v {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// encodeValue converts a Lua value to JSON text.
func encodeValue(v lua.LValue) ([]byte, error) {
	enc := &encoder{visiting: make(map[*lua.LTable]bool)}
	goVal, err := enc.value(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(goVal)
}

// maxArrayIndex bounds integer keys so they convert to int exactly.
const maxArrayIndex = math.MaxInt32

type encoder struct {
	visiting map[*lua.LTable]bool
}

// value converts a Lua value to a Go value json.Marshal accepts. Unlike a
// lenient conversion it rejects anything JSON cannot represent faithfully.
func (e *encoder) value(val lua.LValue) (any, error) {
	switch v := val.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v cannot be encoded", f)
		}
		return f, nil
	case lua.LString:
		if !utf8.ValidString(string(v)) {
			return nil, fmt.Errorf("string %q is not valid UTF-8", string(v))
		}
		return string(v), nil
	case *lua.LTable:
		return e.table(v)
	default:
		return nil, fmt.Errorf("%s value cannot be encoded", val.Type())
	}
}

func (e *encoder) table(tbl *lua.LTable) (any, error) {
	if e.visiting[tbl] {
		return nil, fmt.Errorf("table contains a cycle")
	}
	e.visiting[tbl] = true
	defer delete(e.visiting, tbl)

	count, maxIndex := 0, 0
	stringKeys, otherKeys := false, false
	var badKey error
	tbl.ForEach(func(key, _ lua.LValue) {
		count++
		switch k := key.(type) {
		case lua.LString:
			stringKeys = true
			if badKey == nil && !utf8.ValidString(string(k)) {
				badKey = fmt.Errorf("key %q is not valid UTF-8", string(k))
			}
		case lua.LNumber:
			n := float64(k)
			if n > maxArrayIndex && n == math.Trunc(n) {
				if badKey == nil {
					badKey = fmt.Errorf("array index %g is out of range", n)
				}
			} else if n >= 1 && n == math.Trunc(n) {
				if int(n) > maxIndex {
					maxIndex = int(n)
				}
			} else {
				otherKeys = true
			}
		default:
			otherKeys = true
		}
	})

	if badKey != nil {
		return nil, badKey
	}
	switch {
	case count == 0:
		return map[string]any{}, nil
	case otherKeys || stringKeys && maxIndex > 0:
		return nil, fmt.Errorf("table mixes array and object keys")
	case stringKeys:
		obj := make(map[string]any, count)
		var err error
		tbl.ForEach(func(key, value lua.LValue) {
			if err != nil {
				return
			}
			obj[string(key.(lua.LString))], err = e.value(value)
		})
		if err != nil {
			return nil, err
		}
		return obj, nil
	}

	if maxIndex > 2*count+8 {
		return nil, fmt.Errorf("array is too sparse (%d entries, highest index %d)", count, maxIndex)
	}
	arr := make([]any, maxIndex)
	for i := 1; i <= maxIndex; i++ {
		item, err := e.value(tbl.RawGetInt(i))
		if err != nil {
			return nil, err
		}
		arr[i-1] = item
	}
	return arr, nil
}
