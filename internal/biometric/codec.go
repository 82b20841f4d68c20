package biometric

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// storedVector is the persisted form of an embedding vector.
type storedVector struct {
	Dim    int       `cbor:"1,keyasint"`
	Values []float32 `cbor:"2,keyasint"`
}

// EncodeVector serializes v for storage.
func EncodeVector(v []float32) ([]byte, error) {
	if err := ValidateVector(v); err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(storedVector{Dim: len(v), Values: v})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding vector: %w", err)
	}
	return data, nil
}

// DecodeVector parses a stored vector and checks its declared dimension.
func DecodeVector(data []byte) ([]float32, error) {
	var sv storedVector
	if err := cbor.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("failed to decode embedding vector: %w", err)
	}
	if sv.Dim != len(sv.Values) {
		return nil, fmt.Errorf("%w: declared dimension %d, found %d", ErrInvalidVector, sv.Dim, len(sv.Values))
	}
	if err := ValidateVector(sv.Values); err != nil {
		return nil, err
	}
	return sv.Values, nil
}
