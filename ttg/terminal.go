package ttg

import (
	"context"

	"github.com/devreal/ttg/task"
)

// edge is one connection from an OutTerminal to a downstream input slot
// (C6).
type edge struct {
	dst  *TemplateTask
	slot int
}

// OutTerminal is one template's output port: Connect wires it to downstream
// input slots, Send/Broadcast propagate a produced value to every
// connected slot, locally or across the cluster (§3).
type OutTerminal struct {
	idx   int
	owner *TemplateTask
	edges []*edge
}

// Connect wires o to dst's input slot (§3 edge construction). Both ends
// must belong to worlds over the same comm engine; the keymap on dst
// decides, per key, which rank's instance actually receives the value.
func (o *OutTerminal) Connect(dst *TemplateTask, slot int) {
	o.edges = append(o.edges, &edge{dst: dst, slot: slot})
}

// Send publishes value for key to every connected input slot.
func (o *OutTerminal) Send(ctx context.Context, key any, value any) error {
	return o.sendMany(ctx, []any{key}, value)
}

// Broadcast publishes the same value to every key in keys, on every
// connected input slot (§3 broadcast).
func (o *OutTerminal) Broadcast(ctx context.Context, keys []any, value any) error {
	return o.sendMany(ctx, keys, value)
}

func (o *OutTerminal) sendMany(ctx context.Context, keys []any, value any) error {
	if len(o.edges) == 0 || len(keys) == 0 {
		return nil
	}
	t := o.owner
	total := len(o.edges) * len(keys)
	if total > 1 && t.dup == nil {
		// copy.DataCopy's policy table (§4.1) grants at most one exclusive
		// successor per value: any number of readonly sharers chained
		// with a single writer is fine (the deferred-writer handoff), but
		// a second writer has nowhere to go without an actual duplicate.
		exclusive := 0
		for _, e := range o.edges {
			if !e.dst.inputs[e.slot].ReadOnly {
				exclusive++
			}
		}
		if exclusive*len(keys) > 1 {
			return ErrBroadcastNotCopyable
		}
	}

	dc := t.wrapOutgoing(value)
	ring := task.NewReleaseRing()
	for _, e := range o.edges {
		for _, k := range keys {
			dc.AddRef()
			rec, err := e.dst.routeSetArg(ctx, e.slot, k, dc)
			if err != nil {
				// local binding failures release dc themselves (bindPlain,
				// fireBypass); reaching here means the remote send itself
				// failed before dc was ever registered as a hold.
				dc.DropRef()
				return err
			}
			if rec != nil {
				ring.Add(rec)
			}
		}
	}
	dc.DropRef() // drop the producer's own initial share; every destination now carries its own AddRef share, released when its task completes

	for _, rec := range ring.Drain() {
		rec.Owner.(*TemplateTask).submit(rec)
	}
	return nil
}
