package inbox

import "encoding/json"

// Serializer converts payload values to and from the opaque bytes the engine
// stores. Message type strings are compared exactly for dispatch; the
// serializer may use them to pick an encoding per type.
type Serializer interface {
	Serialize(v any, messageType string) ([]byte, error)
	Deserialize(data []byte, messageType string, out any) error
}

// JSONSerializer is the default Serializer. It ignores the message type and
// encodes every payload as JSON.
type JSONSerializer struct{}

// Serialize encodes v as JSON.
func (JSONSerializer) Serialize(v any, _ string) ([]byte, error) {
	return json.Marshal(v)
}

// Deserialize decodes JSON data into out.
func (JSONSerializer) Deserialize(data []byte, _ string, out any) error {
	return json.Unmarshal(data, out)
}
