package registry

import "time"

// Missing marks a sample that could not be measured for a round
const Missing time.Duration = -1

// LogKind selects which of an agent's round logs is addressed
type LogKind int

const (
	CalibrationLog LogKind = iota
	CrawlLog
)

func (k LogKind) String() string {
	switch k {
	case CalibrationLog:
		return "calibration"
	case CrawlLog:
		return "crawl"
	default:
		return "unknown"
	}
}

// Field names one of the parallel sequences of a RoundLog
type Field int

const (
	FieldReady Field = iota
	FieldRequest
	FieldDone
	FieldFinished
	FieldMaxDelay
	FieldWait
	numFields
)

func (f Field) String() string {
	switch f {
	case FieldReady:
		return "ready"
	case FieldRequest:
		return "request"
	case FieldDone:
		return "done"
	case FieldFinished:
		return "finished"
	case FieldMaxDelay:
		return "max_delay"
	case FieldWait:
		return "wait"
	default:
		return "unknown"
	}
}

// RoundLog is the append-only per-agent time series, one slot per round index.
// Offsets are relative to the round's dispatch or go instant.
type RoundLog struct {
	Kind   LogKind
	fields [numFields][]time.Duration
	Dates  []time.Time
	Errors []string
}

func newRoundLog(kind LogKind) *RoundLog {
	return &RoundLog{Kind: kind}
}

// Append records a sample for field
func (l *RoundLog) Append(field Field, value time.Duration) {
	l.fields[field] = append(l.fields[field], value)
}

// Len returns the number of samples recorded for field
func (l *RoundLog) Len(field Field) int {
	return len(l.fields[field])
}

// Values returns a copy of the samples recorded for field
func (l *RoundLog) Values(field Field) []time.Duration {
	out := make([]time.Duration, len(l.fields[field]))
	copy(out, l.fields[field])
	return out
}

// At returns the sample for field at roundIndex, or Missing
func (l *RoundLog) At(field Field, roundIndex int) time.Duration {
	if roundIndex < 0 || roundIndex >= len(l.fields[field]) {
		return Missing
	}
	return l.fields[field][roundIndex]
}

// Has reports whether the agent already signalled field for roundIndex
func (l *RoundLog) Has(field Field, roundIndex int) bool {
	return len(l.fields[field]) > roundIndex
}

// IsCurrent reports whether the agent completed roundIndex: it has exactly
// roundIndex+1 ready and done samples.
func (l *RoundLog) IsCurrent(roundIndex int) bool {
	return len(l.fields[FieldReady]) == roundIndex+1 &&
		len(l.fields[FieldDone]) == roundIndex+1
}

// Truncate drops every sample recorded at or after roundIndex
func (l *RoundLog) Truncate(roundIndex int) {
	if roundIndex < 0 {
		roundIndex = 0
	}
	for f := range l.fields {
		if len(l.fields[f]) > roundIndex {
			l.fields[f] = l.fields[f][:roundIndex]
		}
	}
	if len(l.Dates) > roundIndex {
		l.Dates = l.Dates[:roundIndex]
	}
}

// Reset empties the log
func (l *RoundLog) Reset() {
	for f := range l.fields {
		l.fields[f] = nil
	}
	l.Dates = nil
	l.Errors = nil
}
