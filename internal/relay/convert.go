package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relay: encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("relay: encode struct: %w", err)
	}
	return out, nil
}

// fromStruct decodes a Struct into v through its JSON form. Fields v does
// not know are ignored, which suits upstream payloads such as charts.
func fromStruct(s *structpb.Struct, v any) error {
	return decodeStruct(s, v, false)
}

// decodeRequest decodes a client request strictly: unknown fields and values
// of the wrong type are rejected with domain.ErrInvalidRequest.
func decodeRequest(s *structpb.Struct, v any) error {
	return decodeStruct(s, v, true)
}

func decodeStruct(s *structpb.Struct, v any, strict bool) error {
	if s == nil {
		return nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("relay: decode struct: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return fmt.Errorf("relay: %w: field %q must be %s, got %s",
				domain.ErrInvalidRequest, typeErr.Field, typeErr.Type, typeErr.Value)
		}
		return fmt.Errorf("relay: %w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

type setConfigRequest struct {
	UserToken   int64 `json:"user_token"`
	AutoConnect bool  `json:"auto_connect"`
}

// FetchResult is the fetch_data payload: the raw batch plus the merged
// table after it was applied.
type FetchResult struct {
	Batch   domain.Batch       `json:"batch"`
	Tickers domain.TickerTable `json:"tickers"`
	Skipped int                `json:"skipped"`
}
