package award

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Op names one of the typed store operations a mutation can carry.
type Op int

const (
	OpSetAbsolute Op = iota
	OpAddDelta
	OpKeepMaximum
	OpSetTimerAbsolute
	OpKeepMaximumTimer
	OpSetLabel
	OpWipe
)

var opNames = map[Op]string{
	OpSetAbsolute:      "set_absolute",
	OpAddDelta:         "add_delta",
	OpKeepMaximum:      "keep_maximum",
	OpSetTimerAbsolute: "set_timer_absolute",
	OpKeepMaximumTimer: "keep_maximum_timer",
	OpSetLabel:         "set_label",
	OpWipe:             "wipe",
}

var opFromName = map[string]Op{
	"set_absolute":       OpSetAbsolute,
	"add_delta":          OpAddDelta,
	"keep_maximum":       OpKeepMaximum,
	"set_timer_absolute": OpSetTimerAbsolute,
	"keep_maximum_timer": OpKeepMaximumTimer,
	"set_label":          OpSetLabel,
	"wipe":               OpWipe,
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "unknown"
}

func (o Op) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := opFromName[s]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOp, s)
	}
	*o = v
	return nil
}

// Validation errors for mutations arriving from outside the process.
var (
	ErrUnknownMetric = errors.New("unknown metric")
	ErrUnknownOp     = errors.New("unknown op")
	ErrKindMismatch  = errors.New("metric kind mismatch")
	ErrNegativeValue = errors.New("negative value")
)

// Mutation is one fact-store update, suitable for JSON transport. Count
// carries counter values, Seconds timer values, Label label text; the other
// fields are ignored for a given op. Urgent asks the tracker to run an
// evaluation pass immediately after applying instead of waiting for the
// next heartbeat.
type Mutation struct {
	Op      Op       `json:"op"`
	Metric  MetricID `json:"metric"`
	Count   int      `json:"count,omitempty"`
	Seconds float64  `json:"seconds,omitempty"`
	Label   string   `json:"label,omitempty"`
	Urgent  bool     `json:"urgent,omitempty"`
}

// Validate checks the mutation against the metric declarations: the metric
// must exist, the op must match its kind, and absolute sets must not be
// negative. Deltas may be negative (the store floors at zero) and maximum
// candidates below the current value are legal no-ops.
func (m Mutation) Validate() error {
	info, ok := metricInfo[m.Metric]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, m.Metric)
	}

	switch m.Op {
	case OpSetAbsolute, OpAddDelta, OpKeepMaximum:
		if info.kind != KindCounter {
			return fmt.Errorf("%w: %s is %s-kind, %s needs a counter", ErrKindMismatch, m.Metric, info.kind, m.Op)
		}
		if m.Op == OpSetAbsolute && m.Count < 0 {
			return fmt.Errorf("%w: %s = %d", ErrNegativeValue, m.Metric, m.Count)
		}
	case OpSetTimerAbsolute, OpKeepMaximumTimer:
		if info.kind != KindTimer {
			return fmt.Errorf("%w: %s is %s-kind, %s needs a timer", ErrKindMismatch, m.Metric, info.kind, m.Op)
		}
		if m.Op == OpSetTimerAbsolute && m.Seconds < 0 {
			return fmt.Errorf("%w: %s = %g", ErrNegativeValue, m.Metric, m.Seconds)
		}
	case OpSetLabel:
		if info.kind != KindLabel {
			return fmt.Errorf("%w: %s is %s-kind, %s needs a label", ErrKindMismatch, m.Metric, info.kind, m.Op)
		}
	case OpWipe:
		// Valid for any kind.
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOp, int(m.Op))
	}
	return nil
}
