package input

import (
	"sync/atomic"

	"go.uber.org/zap"

	"kvmrelay/internal/logging"
	"kvmrelay/internal/protocol"
)

// LogInjector writes every event to the log instead of the OS. It is the
// receiver's sink on platforms without an injection backend. Key codes are
// only logged when verbose.
type LogInjector struct {
	log     *zap.Logger
	verbose bool
	count   atomic.Uint64
}

// NewLogInjector returns a LogInjector logging under the "inject" name.
func NewLogInjector(log *zap.Logger, verbose bool) *LogInjector {
	return &LogInjector{log: log.Named("inject"), verbose: verbose}
}

func (l *LogInjector) InjectPointerMove(x, y int32) error {
	return l.write(protocol.PointerMove{X: x, Y: y})
}

func (l *LogInjector) InjectPointerButton(button protocol.ButtonID, pressed bool) error {
	return l.write(protocol.PointerButton{Button: button, Pressed: pressed})
}

func (l *LogInjector) InjectKey(code uint32, pressed bool) error {
	return l.write(protocol.KeyEvent{Code: code, Pressed: pressed})
}

// Count returns how many events were injected.
func (l *LogInjector) Count() uint64 {
	return l.count.Load()
}

func (l *LogInjector) write(ev protocol.InputEvent) error {
	n := l.count.Add(1)
	l.log.Info("inject", logging.Event(ev, l.verbose), zap.Uint64("seq", n))
	return nil
}
