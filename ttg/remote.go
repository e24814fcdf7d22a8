package ttg

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/copy"
	"github.com/devreal/ttg/transport"
	"github.com/devreal/ttg/wire"
)

// typeTag names a value's dynamic type for wire.Registry lookup: a type
// implementing TypeName() controls its own tag (e.g. to keep it stable
// across a rename); anything else falls back to its reflect type string,
// which resolves to wire.Registry's default descriptor unless the type
// happens to be explicitly registered under that string.
func typeTag(v any) string {
	type named interface{ TypeName() string }
	if n, ok := v.(named); ok {
		return n.TypeName()
	}
	return fmt.Sprintf("%T", v)
}

func (t *TemplateTask) packKey(key any) []byte {
	b, err := t.keyDescriptor(key).Pack(key)
	if err != nil {
		cmn.Fatalf(cmn.ErrUserFunction, "ttg(%s): key %v failed to pack: %v", t.name, key, err)
	}
	return b
}

func (t *TemplateTask) keyDescriptor(key any) wire.Descriptor {
	if t.decodeKey == nil {
		cmn.Fatalf(cmn.ErrProgramming, "ttg(%s): sending a remote message but no DecodeKey configured", t.name)
	}
	return t.w.WireRegistry().For(typeTag(key))
}

// sendRemote packs dc's value (splitting out iovecs when it implements
// wire.SplitMetadata, §6.2) and posts a SET_ARG to dstRank, holding dc
// alive until every span has been GETted and acknowledged.
func (t *TemplateTask) sendRemote(ctx context.Context, slot int, key any, dc *copy.DataCopy, dstRank int) error {
	keyBytes := t.packKey(key)

	var meta []byte
	var iovecRegs []transport.IovecReg
	var err error
	if sm, ok := dc.Value.(wire.SplitMetadata); ok {
		var spans []wire.IovecSpan
		meta, spans, err = wire.PackSplit(t.w.WireRegistry(), sm)
		if err != nil {
			dc.Release()
			return err
		}
		byteSpans := make([][]byte, len(spans))
		for i, s := range spans {
			byteSpans[i] = s.Bytes
		}
		iovecRegs = t.w.Messenger().RegisterIovecs(byteSpans)
	} else {
		meta, err = t.w.WireRegistry().For(typeTag(dc.Value)).Pack(dc.Value)
		if err != nil {
			dc.Release()
			return err
		}
	}

	// §5: the in-band buffer is bounded by MaxMsgSize; anything larger must
	// have already been split out as iovecs above, not packed inline.
	if max := cmn.GCO.Get().MaxMsgSize; max > 0 && len(meta)+len(keyBytes) > max {
		dc.Release()
		cmn.Fatalf(cmn.ErrResourceExhaustion, "ttg(%s): set_arg payload %d bytes exceeds MaxMsgSize %d for slot %d", t.name, len(meta)+len(keyBytes), max, slot)
		return nil
	}

	if len(iovecRegs) == 0 {
		t.w.Messenger().SendSetArg(dstRank, t.w.TaskpoolID(), t.id, int32(slot), [][]byte{keyBytes}, meta, nil, func(sendErr error) {
			if sendErr != nil {
				cmn.Errorf("ttg(%s): set_arg send to rank %d failed: %v", t.name, dstRank, sendErr)
			}
			dc.Release()
		})
		return nil
	}

	pending := atomic.NewInt32(int32(len(iovecRegs)))
	for _, reg := range iovecRegs {
		reg := reg
		t.w.Messenger().AwaitIovecDone(reg.ReleaseToken, func() {
			t.w.Messenger().ReleaseIovec(reg.Handle)
			if pending.Dec() == 0 {
				dc.Release()
			}
		})
	}
	t.w.Messenger().SendSetArg(dstRank, t.w.TaskpoolID(), t.id, int32(slot), [][]byte{keyBytes}, meta, iovecRegs, func(sendErr error) {
		if sendErr != nil {
			cmn.Errorf("ttg(%s): set_arg send to rank %d failed: %v", t.name, dstRank, sendErr)
		}
	})
	return nil
}
