package serializer

// IRPCSerializer is the interface for all payload serializers. The request
// and response value types are heterogeneous per operation, so the interface
// works over arbitrary values.
type IRPCSerializer interface {
	// Serialize serializes a value into a byte array
	Serialize(v interface{}) ([]byte, error)
	// Deserialize deserializes a byte array into the value pointed at by v
	Deserialize(b []byte, v interface{}) error
}
