// Package clock converts a monotonic time source into integer scheduler ticks.
//
// In production, use Monotonic() which measures elapsed time with the runtime's
// monotonic clock. In tests, use NewFake() for deterministic time control.
package clock

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Source reports monotonic elapsed time since an arbitrary fixed origin.
type Source interface {
	Elapsed() time.Duration
}

// Monotonic returns a Source anchored at the moment of the call.
func Monotonic() Source {
	return monotonic{origin: time.Now()}
}

type monotonic struct{ origin time.Time }

// time.Since uses the monotonic reading carried by origin.
func (m monotonic) Elapsed() time.Duration { return time.Since(m.origin) }

// Fake is a manually driven Source. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex
	d  time.Duration
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.d
}

// Advance moves the fake clock forward. Negative values are ignored.
func (f *Fake) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.d += d
	f.mu.Unlock()
}

// Resolution is the length of one tick expressed in default units
// (1 unit = 1 millisecond).
type Resolution float64

const (
	Default Resolution = 1
	Fine    Resolution = 0.1
	Finer   Resolution = 0.01
)

// Normalize maps unsupported factors to Default.
func (r Resolution) Normalize() Resolution {
	switch r {
	case Fine, Finer:
		return r
	default:
		return Default
	}
}

// TickLength is the wall duration of one tick.
func (r Resolution) TickLength() time.Duration {
	switch r.Normalize() {
	case Fine:
		return 100 * time.Microsecond
	case Finer:
		return 10 * time.Microsecond
	default:
		return time.Millisecond
	}
}

// Scale is the ratio default-divisor / current-divisor: the number of ticks
// per default unit.
func (r Resolution) Scale() float64 {
	switch r.Normalize() {
	case Fine:
		return 10
	case Finer:
		return 100
	default:
		return 1
	}
}

// Ticks converts an interval in default units into ticks, truncating toward
// zero. Negative input yields 0.
func (r Resolution) Ticks(units float64) int64 {
	if units <= 0 || math.IsNaN(units) {
		return 0
	}
	// The epsilon absorbs float noise such as 2.3*100 = 229.99999999999997.
	return int64(math.Floor(units*r.Scale() + 1e-9))
}

func (r Resolution) String() string {
	switch r.Normalize() {
	case Fine:
		return "fine"
	case Finer:
		return "finer"
	default:
		return "default"
	}
}

// ParseResolution accepts "default", "fine", "finer" or a numeric factor.
// Anything unsupported resolves to Default.
func ParseResolution(s string) Resolution {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "fine":
		return Fine
	case "finer":
		return Finer
	case "", "default", "ms":
		return Default
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Default
	}
	return Resolution(f).Normalize()
}

// Clock converts Source readings to ticks under the active resolution.
//
// Clock is not safe for concurrent use; the owning scheduler serializes access.
type Clock struct {
	src Source
	res Resolution
}

func New(src Source) *Clock {
	if src == nil {
		src = Monotonic()
	}
	return &Clock{src: src, res: Default}
}

// Now returns the current tick, truncated toward zero.
func (c *Clock) Now() int64 {
	return int64(c.src.Elapsed() / c.res.TickLength())
}

func (c *Clock) Resolution() Resolution { return c.res }

// SetResolution switches the tick length and returns the effective value.
// Changing the resolution is allowed to make Now jump.
func (c *Clock) SetResolution(r Resolution) Resolution {
	c.res = r.Normalize()
	return c.res
}
