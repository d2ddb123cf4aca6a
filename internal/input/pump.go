package input

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"kvmrelay/internal/logging"
	"kvmrelay/internal/protocol"
)

// Apply hands ev to the matching Injector method.
func Apply(inj Injector, ev protocol.InputEvent) error {
	switch e := ev.(type) {
	case protocol.PointerMove:
		return inj.InjectPointerMove(e.X, e.Y)
	case protocol.PointerButton:
		return inj.InjectPointerButton(e.Button, e.Pressed)
	case protocol.KeyEvent:
		return inj.InjectKey(e.Code, e.Pressed)
	default:
		return fmt.Errorf("unhandled event kind %s", ev.Kind())
	}
}

// PumpStats summarizes a Pump run.
type PumpStats struct {
	Applied int
	Failed  int
}

// Pump applies events from the channel until it is closed or ctx ends.
// It runs on a locked OS thread so blocking injection calls stay off the
// threads serving network I/O. A failed injection is logged and skipped.
func Pump(ctx context.Context, events <-chan protocol.InputEvent, inj Injector, log *zap.Logger, verbose bool) PumpStats {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log = log.Named("pump")
	var st PumpStats
	for {
		select {
		case <-ctx.Done():
			return st
		case ev, ok := <-events:
			if !ok {
				return st
			}
			if err := Apply(inj, ev); err != nil {
				st.Failed++
				log.Warn("injection failed", logging.Event(ev, verbose), zap.Error(err))
				continue
			}
			st.Applied++
		}
	}
}
