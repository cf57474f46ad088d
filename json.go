package mqbridge

import (
	"encoding/json"
	"unicode/utf8"
)

// JsonMarshaler passes raw bytes and strings through untouched and encodes
// messages as an envelope. Text bodies stay readable in "body"; bodies that
// are not valid UTF-8 go to "data" as base64 so they survive the round trip.
type JsonMarshaler struct{}

type jsonEnvelope struct {
	Header map[string]string `json:"header,omitempty"`
	Body   string            `json:"body,omitempty"`
	Data   []byte            `json:"data,omitempty"`
}

func (j JsonMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	case *Message:
		env := jsonEnvelope{Header: d.Header}
		if utf8.Valid(d.Body) {
			env.Body = string(d.Body)
		} else {
			env.Data = d.Body
		}
		return json.Marshal(env)
	default:
		return json.Marshal(v)
	}
}

func (j JsonMarshaler) Unmarshal(d []byte, v any) error {
	if msg, ok := v.(*Message); ok {
		var env jsonEnvelope
		if err := json.Unmarshal(d, &env); err != nil {
			return err
		}
		msg.Header = env.Header
		if env.Data != nil {
			msg.Body = env.Data
		} else {
			msg.Body = []byte(env.Body)
		}
		return nil
	}
	return json.Unmarshal(d, v)
}

func (j JsonMarshaler) String() string {
	return "json"
}
