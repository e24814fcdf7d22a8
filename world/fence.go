package world

import (
	"golang.org/x/sync/errgroup"

	"github.com/devreal/ttg/cmn"
)

// Fence blocks until every task originating from the local process has
// completed cluster-wide (§8 `fence`). The comm engine gives us only
// point-to-point active messages and a barrier (§1), so termination is
// detected by gossip: after each barrier every rank queries every other
// rank's local outstanding-task counter and sums the replies; two
// consecutive zero rounds (guarding against a reply racing a message still
// in flight) declare quiescence.
//
// In user-trigger mode (EnableUserTrigger) this instead blocks on the
// application's own completion signal.
func (w *World) Fence() error {
	w.checkDelayedOverflow()
	if w.triggerMode {
		<-w.userDone
		return nil
	}
	zeroStreak := 0
	for zeroStreak < 2 {
		w.checkDelayedOverflow()
		if err := w.eng.Barrier(); err != nil {
			return err
		}
		total, err := w.gossipRound()
		if err != nil {
			return err
		}
		if total == 0 {
			zeroStreak++
		} else {
			zeroStreak = 0
		}
		if cmn.FastV(4, cmn.SmoduleWorld) {
			cmn.Debugf("world: fence round outstanding=%d streak=%d", total, zeroStreak)
		}
	}
	return w.eng.Barrier()
}

// checkDelayedOverflow aborts if messages have accumulated in the
// delayed-unpack map past the configured bound: a template that never
// registers (typo'd id, crashed constructor) would otherwise leak memory
// forever instead of being caught (§7 delayed-delivery overflow).
func (w *World) checkDelayedOverflow() {
	max := cmn.GCO.Get().MaxDelayedMessages
	if max <= 0 {
		return
	}
	if n := w.delayedCount(); n > max {
		cmn.Fatalf(cmn.ErrDelayedDeliveryOverflow, "world: delayed-unpack map holds %d messages, exceeding the %d bound", n, max)
	}
}

// gossipRound runs one query/reply round for the whole cluster concurrently
// via errgroup, then sums every rank's local outstanding count.
func (w *World) gossipRound() (int64, error) {
	round := w.round.Inc()
	replies := make(chan int64, w.eng.Size())
	w.fenceMu.Lock()
	w.pending[round] = replies
	w.fenceMu.Unlock()
	defer func() {
		w.fenceMu.Lock()
		delete(w.pending, round)
		w.fenceMu.Unlock()
	}()

	var g errgroup.Group
	for r := 0; r < w.eng.Size(); r++ {
		r := r
		g.Go(func() error {
			if r == w.eng.Rank() {
				replies <- w.outstanding.Load()
				return nil
			}
			return w.msgr.SendFenceQuery(r, round)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total int64
	for i := 0; i < w.eng.Size(); i++ {
		total += <-replies
	}
	return total, nil
}

// HandleFenceQuery and HandleFenceReply implement transport.FenceHandler.
func (w *World) HandleFenceQuery(senderRank int, round uint64) {
	if err := w.msgr.SendFenceReply(senderRank, round, w.outstanding.Load()); err != nil {
		cmn.Errorf("world: fence reply to rank %d failed: %v", senderRank, err)
	}
}

func (w *World) HandleFenceReply(_ int, round uint64, outstanding int64) {
	w.fenceMu.Lock()
	ch, ok := w.pending[round]
	w.fenceMu.Unlock()
	if !ok {
		return // late reply for a round we stopped waiting on
	}
	ch <- outstanding
}
