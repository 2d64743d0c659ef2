package multiplier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxnlabs/gpu-matmul/internal/kernels"
)

// ErrUnknownMode is returned for a mode name or value that maps to no strategy.
var ErrUnknownMode = errors.New("unknown multiplication mode")

// Mode selects how a multiplication is computed.
type Mode int

const (
	// ModeHost runs the triple loop on the calling goroutine.
	ModeHost Mode = iota
	ModeNaive
	ModeTiled
	ModeCoarsened
)

var modeNames = [...]struct{ name, alias string }{
	ModeHost:      {"host", "basic"},
	ModeNaive:     {"naive", "easy"},
	ModeTiled:     {"tiled", "medium"},
	ModeCoarsened: {"coarsened", "hard"},
}

// Modes lists every mode in increasing order of sophistication.
func Modes() []Mode {
	return []Mode{ModeHost, ModeNaive, ModeTiled, ModeCoarsened}
}

func (m Mode) valid() bool { return m >= ModeHost && m <= ModeCoarsened }

func (m Mode) String() string {
	if !m.valid() {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m].name
}

// Alias is the difficulty-style name of the mode (basic, easy, medium, hard).
func (m Mode) Alias() string {
	if !m.valid() {
		return m.String()
	}
	return modeNames[m].alias
}

// Accelerated reports whether the mode runs on a device.
func (m Mode) Accelerated() bool { return m.valid() && m != ModeHost }

// ParseMode accepts either name of a mode, case-insensitively.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range Modes() {
		if s == modeNames[m].name || s == modeNames[m].alias {
			return m, nil
		}
	}
	return ModeHost, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func (m Mode) strategy() (kernels.Strategy, error) {
	switch m {
	case ModeNaive:
		return kernels.Naive(), nil
	case ModeTiled:
		return kernels.Tiled(), nil
	case ModeCoarsened:
		return kernels.Coarsened(), nil
	default:
		return nil, fmt.Errorf("%w: %s has no kernel", ErrUnknownMode, m)
	}
}
