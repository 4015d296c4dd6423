package proto

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"

	"github.com/canonical/vzdispatch/shared/api"
)

// ErrEmptyBody is returned when buffer 0 is missing or empty.
var ErrEmptyBody = errors.New("package: empty command body")

// Event is the self-describing key/value body carried in buffer 0.
type Event struct {
	Type    string         `yaml:"type" mapstructure:"type"`
	Code    api.ResultCode `yaml:"code,omitempty" mapstructure:"code"`
	Message string         `yaml:"message,omitempty" mapstructure:"message"`
	Params  map[string]any `yaml:"params,omitempty" mapstructure:"params"`
}

// IsEmpty returns true for the zero event.
func (e Event) IsEmpty() bool {
	return e.Type == "" && e.Code == api.Success && e.Message == "" && len(e.Params) == 0
}

// Err converts an error event into a Go error.
func (e Event) Err() error {
	if e.Code == api.Success {
		return nil
	}

	return api.ResultErrorf(e.Code, "%s", e.Message)
}

// ErrorEvent builds an event describing err.
func ErrorEvent(err error) Event {
	if err == nil {
		return Event{}
	}

	return Event{
		Type:    "error",
		Code:    api.ResultCodeOf(err),
		Message: err.Error(),
	}
}

// MarshalBody serialises v into the params of an event of the given kind.
func MarshalBody(kind string, v any) ([]byte, error) {
	params := map[string]any{}

	if v != nil {
		err := mapstructure.Decode(v, &params)
		if err != nil {
			return nil, fmt.Errorf("Failed encoding %s body: %w", kind, err)
		}
	}

	return yaml.Marshal(Event{Type: kind, Params: params})
}

// MarshalEvent serialises a complete event.
func MarshalEvent(e Event) ([]byte, error) {
	return yaml.Marshal(e)
}

// UnmarshalEvent parses buffer 0 into an event.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event

	if len(data) == 0 {
		return e, ErrEmptyBody
	}

	err := yaml.Unmarshal(data, &e)
	if err != nil {
		return e, fmt.Errorf("Failed parsing command body: %w", err)
	}

	return e, nil
}

// UnmarshalBody parses buffer 0 and decodes its params into v.
func UnmarshalBody(data []byte, v any) (Event, error) {
	e, err := UnmarshalEvent(data)
	if err != nil {
		return e, err
	}

	err = decodeParams(e.Params, v)
	if err != nil {
		return e, fmt.Errorf("Failed decoding %s body: %w", e.Type, err)
	}

	return e, nil
}

func decodeParams(params map[string]any, v any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(params)
}
