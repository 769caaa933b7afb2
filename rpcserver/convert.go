package rpcserver

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON-serializable value into a Struct. Values that do
// not encode to a JSON object are wrapped under "value".
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		m = map[string]any{"value": decoded}
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	v, ok := s.Fields[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func boolField(s *structpb.Struct, key string) bool {
	if s == nil {
		return false
	}
	v, ok := s.Fields[key]
	if !ok {
		return false
	}
	return v.GetBoolValue()
}

// intField reads a whole number. Fractions and out-of-range values are
// reported as invalid.
func intField(s *structpb.Struct, key string) (int, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Fields[key]
	if !ok {
		return 0, false
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
		return 0, false
	}
	return int(n), true
}
