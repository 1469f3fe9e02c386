package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"tickq/internal/scheduler"
)

var (
	ErrEmptyPlan     = errors.New("plan has no sequences")
	ErrEmptyStep     = errors.New("step has neither delay nor loop")
	ErrAmbiguousStep = errors.New("step has both delay and loop")
)

type Plan struct {
	Path      string
	Sequences []Sequence
}

type Sequence struct {
	Name  string
	Steps []Step
}

// Step is one parsed sequence step. Key inspection happens once, at parse time.
type Step struct {
	Op    scheduler.Op
	Units float64

	Log       string
	Times     int
	StopAfter bool
}

type rawPlan struct {
	Sequences []rawSequence `yaml:"sequences"`
}

type rawSequence struct {
	Name  string           `yaml:"name"`
	Steps []map[string]any `yaml:"steps"`
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Parse decodes a plan. path is only used in error messages.
func Parse(path string, data []byte) (*Plan, error) {
	var raw rawPlan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", path, ErrEmptyPlan)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(raw.Sequences) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyPlan)
	}

	p := &Plan{Path: path, Sequences: make([]Sequence, 0, len(raw.Sequences))}
	seen := make(map[string]struct{}, len(raw.Sequences))
	for i, rs := range raw.Sequences {
		name := strings.TrimSpace(rs.Name)
		if name == "" {
			name = fmt.Sprintf("seq-%d", i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%s: sequences[%d]: duplicate name %q", path, i, name)
		}
		seen[name] = struct{}{}

		seq := Sequence{Name: name, Steps: make([]Step, 0, len(rs.Steps))}
		for j, m := range rs.Steps {
			st, err := parseStep(m)
			if err != nil {
				return nil, fmt.Errorf("%s: sequences[%d].steps[%d]: %w", path, i, j, err)
			}
			if st.Times > 0 && (st.Op != scheduler.OpLoop || j != len(rs.Steps)-1) {
				return nil, fmt.Errorf("%s: sequences[%d].steps[%d]: times only applies to a final loop step", path, i, j)
			}
			seq.Steps = append(seq.Steps, st)
		}
		p.Sequences = append(p.Sequences, seq)
	}
	return p, nil
}

func parseStep(m map[string]any) (Step, error) {
	var st Step
	delay, hasDelay := m["delay"]
	loop, hasLoop := m["loop"]
	switch {
	case hasDelay && hasLoop:
		return st, ErrAmbiguousStep
	case hasDelay:
		st.Op = scheduler.OpDelay
	case hasLoop:
		st.Op = scheduler.OpLoop
		delay = loop
	default:
		return st, ErrEmptyStep
	}

	units, err := unitsOf(delay)
	if err != nil {
		return st, fmt.Errorf("%s: %w", st.Op, err)
	}
	st.Units = units

	for k, v := range m {
		switch k {
		case "delay", "loop":
		case "log":
			s, ok := v.(string)
			if !ok {
				return st, fmt.Errorf("log: want string, got %T", v)
			}
			st.Log = s
		case "times":
			n, ok := v.(int)
			if !ok || n < 1 {
				return st, fmt.Errorf("times: want positive integer, got %v", v)
			}
			st.Times = n
		case "stop_after":
			b, ok := v.(bool)
			if !ok {
				return st, fmt.Errorf("stop_after: want bool, got %T", v)
			}
			st.StopAfter = b
		default:
			return st, fmt.Errorf("unknown key %q", k)
		}
	}
	return st, nil
}

func unitsOf(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint64:
		f = float64(x)
	case float64:
		f = x
	case string:
		return ParseUnits(x)
	default:
		return 0, fmt.Errorf("invalid interval %v (%T)", v, v)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid interval %v", v)
	}
	return f, nil
}

// ParseUnits converts an interval to default units (milliseconds).
// Accepted forms: a plain number ("150", "2.5"), a Go duration ("250ms",
// "1m30s") or HH:MM as hours and minutes ("01:30" is 90 minutes).
func ParseUnits(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("invalid interval %q", raw)
		}
		return f, nil
	}
	if strings.Contains(s, ":") {
		h, m, err := parseHHMM(s)
		if err != nil {
			return 0, err
		}
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		return float64(d) / float64(time.Millisecond), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid interval %q: must be >= 0", raw)
	}
	return float64(d) / float64(time.Millisecond), nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid interval %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
