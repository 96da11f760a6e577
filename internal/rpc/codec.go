package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages on the wire are google.protobuf.Struct holding the same JSON
// documents the HTTP API accepts and returns. Struct numbers are doubles, so
// any number beyond 2^53 is refused in both directions instead of being
// rounded. Clients should send decimal amounts as strings.

const maxExactNumber = 1 << 53

var errInexactNumber = errors.New("number exceeds the exact range of a double; send it as a string")

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	if err := checkValue("", structpb.NewStructValue(s)); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	if err := checkJSON(raw); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return out, nil
}

func checkValue(path string, v *structpb.Value) error {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.Abs(k.NumberValue) > maxExactNumber {
			return fmt.Errorf("%s: %w", path, errInexactNumber)
		}
	case *structpb.Value_StructValue:
		for name, f := range k.StructValue.GetFields() {
			if err := checkValue(join(path, name), f); err != nil {
				return err
			}
		}
	case *structpb.Value_ListValue:
		for i, item := range k.ListValue.GetValues() {
			if err := checkValue(join(path, strconv.Itoa(i)), item); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return checkNumbers("", doc)
}

func checkNumbers(path string, doc any) error {
	switch d := doc.(type) {
	case json.Number:
		if n, err := d.Int64(); err == nil {
			if n > maxExactNumber || n < -maxExactNumber {
				return fmt.Errorf("%s: %w", path, errInexactNumber)
			}
			return nil
		}
		f, err := d.Float64()
		if err != nil || math.Abs(f) > maxExactNumber {
			return fmt.Errorf("%s: %w", path, errInexactNumber)
		}
	case map[string]any:
		for name, f := range d {
			if err := checkNumbers(join(path, name), f); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range d {
			if err := checkNumbers(join(path, strconv.Itoa(i)), item); err != nil {
				return err
			}
		}
	}
	return nil
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
