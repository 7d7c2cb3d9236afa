package extract

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Decode extracts the record from raw and decodes it into out.
// Field names follow json tags and scalar types are coerced loosely,
// so "0.9" decodes into a float and 1 into a bool.
func Decode(raw string, out any) (Record, error) {
	rec, err := Extract(raw)
	if err != nil {
		return nil, err
	}
	if err := DecodeRecord(rec, out); err != nil {
		return rec, err
	}
	return rec, nil
}

// DecodeRecord decodes an already extracted record into out.
func DecodeRecord(rec Record, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("build record decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(rec)); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
