package model

import "fmt"

// Status classifies the result of a single indicator lookup.
type Status string

const (
	// StatusFound means a usable value was produced.
	StatusFound Status = "found"
	// StatusAbsent means the source answered but had no data.
	StatusAbsent Status = "absent"
	// StatusFailed means the lookup could not complete (transport, parse).
	StatusFailed Status = "failed"
	// StatusRejected means a value was produced but failed validation.
	StatusRejected Status = "rejected"
)

// Outcome is the result of one indicator lookup for one entity. Only
// StatusFound carries a meaningful Value; every other status is treated as
// absence by the aggregator but keeps the reason in Detail.
type Outcome struct {
	Value     float64 `json:"value,omitempty"`
	Status    Status  `json:"status"`
	Source    string  `json:"source,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Estimated bool    `json:"estimated,omitempty"`
}

// OK reports whether the outcome carries a value.
func (o Outcome) OK() bool {
	return o.Status == StatusFound
}

func (o Outcome) String() string {
	if o.OK() {
		return fmt.Sprintf("%s: %g", o.Source, o.Value)
	}
	if o.Detail == "" {
		return fmt.Sprintf("%s: %s", o.Source, o.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", o.Source, o.Status, o.Detail)
}

// Found returns a found outcome.
func Found(source string, v float64) Outcome {
	return Outcome{Value: v, Status: StatusFound, Source: source}
}

// Absent returns an outcome for a source that had no data.
func Absent(source, detail string) Outcome {
	return Outcome{Status: StatusAbsent, Source: source, Detail: detail}
}

// Failed returns an outcome for a lookup that errored.
func Failed(source string, err error) Outcome {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return Outcome{Status: StatusFailed, Source: source, Detail: detail}
}

// Rejected returns an outcome for a value that failed validation.
func Rejected(source, detail string) Outcome {
	return Outcome{Status: StatusRejected, Source: source, Detail: detail}
}
