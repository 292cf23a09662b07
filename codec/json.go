package codec

import "encoding/json"

// JSON is the standard-library JSON codec.
//
// The most portable option; use it when artifacts must be readable by tools
// that cannot depend on third-party decoders.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the default codec used for persisted artifacts.
//
// Existing artifacts are self-describing (the snapshot manifest records the
// codec name) and are opened by selecting the codec by name.
var Default Codec = GoJSON{}
