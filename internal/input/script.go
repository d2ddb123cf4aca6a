package input

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"kvmrelay/internal/protocol"
)

// Step is one line of a capture script: an event, or a pause when Event is
// nil.
type Step struct {
	Event protocol.InputEvent
	Sleep time.Duration
}

// ScriptSource replays a parsed capture script. The format is one command
// per line:
//
//	move 100 200
//	button left down
//	key 30 up
//	sleep 20ms
//	# comment
type ScriptSource struct {
	steps []Step
}

// ParseScript reads a capture script. Errors name the offending line.
func ParseScript(r io.Reader) (*ScriptSource, error) {
	var steps []Step
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if text == "" {
			continue
		}

		step, err := parseStep(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		steps = append(steps, step)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &ScriptSource{steps: steps}, nil
}

// Steps returns the parsed steps.
func (s *ScriptSource) Steps() []Step {
	return s.steps
}

// Run emits the script's events in order, pausing at sleep steps.
func (s *ScriptSource) Run(ctx context.Context, emit func(protocol.InputEvent) error) error {
	for _, st := range s.steps {
		if st.Event == nil {
			t := time.NewTimer(st.Sleep)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(st.Event); err != nil {
			return err
		}
	}
	return nil
}

func parseStep(f []string) (Step, error) {
	switch f[0] {
	case "move":
		if len(f) != 3 {
			return Step{}, fmt.Errorf("move wants 2 arguments, got %d", len(f)-1)
		}
		x, err := strconv.ParseInt(f[1], 10, 32)
		if err != nil {
			return Step{}, fmt.Errorf("move x: %w", err)
		}
		y, err := strconv.ParseInt(f[2], 10, 32)
		if err != nil {
			return Step{}, fmt.Errorf("move y: %w", err)
		}
		return Step{Event: protocol.PointerMove{X: int32(x), Y: int32(y)}}, nil

	case "button":
		if len(f) != 3 {
			return Step{}, fmt.Errorf("button wants 2 arguments, got %d", len(f)-1)
		}
		b, err := protocol.ParseButton(f[1])
		if err != nil {
			return Step{}, err
		}
		pressed, err := parseDirection(f[2])
		if err != nil {
			return Step{}, err
		}
		return Step{Event: protocol.PointerButton{Button: b, Pressed: pressed}}, nil

	case "key":
		if len(f) != 3 {
			return Step{}, fmt.Errorf("key wants 2 arguments, got %d", len(f)-1)
		}
		code, err := strconv.ParseUint(f[1], 0, 32)
		if err != nil {
			return Step{}, fmt.Errorf("key code: %w", err)
		}
		pressed, err := parseDirection(f[2])
		if err != nil {
			return Step{}, err
		}
		return Step{Event: protocol.KeyEvent{Code: uint32(code), Pressed: pressed}}, nil

	case "sleep":
		if len(f) != 2 {
			return Step{}, fmt.Errorf("sleep wants 1 argument, got %d", len(f)-1)
		}
		d, err := time.ParseDuration(f[1])
		if err != nil {
			return Step{}, err
		}
		if d < 0 {
			return Step{}, fmt.Errorf("negative sleep %s", d)
		}
		return Step{Sleep: d}, nil
	}
	return Step{}, fmt.Errorf("unknown command %q", f[0])
}

func parseDirection(s string) (bool, error) {
	switch s {
	case "down", "press", "pressed":
		return true, nil
	case "up", "release", "released":
		return false, nil
	}
	return false, fmt.Errorf("want down or up, got %q", s)
}
