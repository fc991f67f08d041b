package vlmgate

import (
	"encoding/json"
	"fmt"
)

type JSONParser[T any] struct{}

var _ Parser = (*JSONParser[string])(nil)

func (p *JSONParser[T]) Parse(data []byte) (any, error) {
	var v T
	err := json.Unmarshal(data, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *JSONParser[T]) Serialize(v any) ([]byte, error) {
	switch vv := v.(type) {
	case *T:
		return json.Marshal(vv)
	case T:
		return json.Marshal(vv)
	}
	return nil, fmt.Errorf("value is not a %T", new(T))
}

// RawParser keeps bytes as they are. Used for the [DONE] sentinel and
// bodies that are never inspected.
type RawParser struct{}

var _ Parser = (*RawParser)(nil)

func (p *RawParser) Parse(data []byte) (any, error) {
	return data, nil
}

func (p *RawParser) Serialize(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, fmt.Errorf("value is not []byte")
}
