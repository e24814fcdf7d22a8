package ttg

import "github.com/pkg/errors"

// ErrBroadcastNotCopyable is returned by Broadcast/Send when a value must
// fan out to more than one exclusive (non-readonly) destination, local or
// remote, but its template declared no Duplicator — the runtime cannot
// safely hand the same mutable value to two writers, and won't silently
// alias it (Open Question: resolved by refusing the send rather than
// serializing writers).
var ErrBroadcastNotCopyable = errors.New("ttg: value must fan out to multiple writer inputs but has no duplicator")

// ErrStreamFinalized names a set_arg on a streaming input slot whose stream
// has already been finalized. No function in this package returns it:
// bindStreamValue aborts the process on that condition.
var ErrStreamFinalized = errors.New("ttg: streaming input already finalized")

// ErrUnknownTemplate names routing to a template id this process never
// constructed. No function in this package returns it: messages for an
// unregistered id are held in the World's delayed-unpack map.
var ErrUnknownTemplate = errors.New("ttg: unknown template id")
