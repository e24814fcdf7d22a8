package wire

import (
	"github.com/tinylib/msgp/msgp"
)

// MsgpDescriptor packs the in-band metadata record of a SplitMetadata value
// using msgp-generated (de)serialization instead of the JSON default —
// the compact-binary path a value type opts into when its metadata record
// implements msgp.Marshaler/msgp.Unmarshaler (typically via `go:generate
// msgp`), matching the split-metadata protocol of §6.2: only the metadata
// travels in-band, the Iovecs() spans are pulled separately over GET.
type MsgpDescriptor struct{}

func (MsgpDescriptor) PayloadSize(v any) (int, error) {
	m, ok := v.(msgp.Marshaler)
	if !ok {
		return 0, errNotMsgp(v)
	}
	b, err := m.MarshalMsg(nil)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (MsgpDescriptor) Pack(v any) ([]byte, error) {
	m, ok := v.(msgp.Marshaler)
	if !ok {
		return nil, errNotMsgp(v)
	}
	return m.MarshalMsg(nil)
}

func (MsgpDescriptor) Unpack(data []byte, out any) error {
	u, ok := out.(msgp.Unmarshaler)
	if !ok {
		return errNotMsgp(out)
	}
	_, err := u.UnmarshalMsg(data)
	return err
}

var _ Descriptor = MsgpDescriptor{}

type errNotMsgpT struct{ typ string }

func (e errNotMsgpT) Error() string { return "wire: value does not implement msgp.Marshaler/Unmarshaler" }

func errNotMsgp(v any) error { return errNotMsgpT{} }

// PackSplit packs a SplitMetadata value into its in-band metadata bytes
// plus its iovec spans, ready for the transport layer to turn into an
// active-message payload (§6.1 SET_ARG layout) and a set of GET handles.
func PackSplit(reg *Registry, v SplitMetadata) (metaBytes []byte, iovecs []IovecSpan, err error) {
	meta, err := v.Metadata()
	if err != nil {
		return nil, nil, err
	}
	d := reg.For(typeNameOf(meta))
	metaBytes, err = d.Pack(meta)
	if err != nil {
		return nil, nil, err
	}
	return metaBytes, v.Iovecs(), nil
}

func typeNameOf(v any) string {
	type named interface{ TypeName() string }
	if n, ok := v.(named); ok {
		return n.TypeName()
	}
	return ""
}
