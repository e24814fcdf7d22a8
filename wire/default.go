package wire

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/devreal/ttg/cmn"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultDescriptor packs any Go value that round-trips through
// encoding/json-compatible reflection. It's the descriptor a value type
// falls back on when it hasn't registered a dedicated one and doesn't
// implement SplitMetadata — the runtime's "delegate to a default descriptor
// for each value type" fallback from §6.2.
type DefaultDescriptor struct{}

func (DefaultDescriptor) PayloadSize(v any) (int, error) {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (DefaultDescriptor) Pack(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (DefaultDescriptor) Unpack(data []byte, out any) error {
	if err := jsonAPI.Unmarshal(data, out); err != nil {
		cmn.Errorf("wire: default unpack failed: %v", err)
		return err
	}
	return nil
}

var _ Descriptor = DefaultDescriptor{}
