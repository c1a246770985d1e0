package workerstub

import "encoding/json"

func unmarshalPayload(raw json.RawMessage, out *map[string]interface{}) error {
	return json.Unmarshal(raw, out)
}

func marshalPayload(v map[string]interface{}) (json.RawMessage, error) {
	if v == nil {
		v = map[string]interface{}{}
	}
	return json.Marshal(v)
}
