package trace

import "time"

// Summary condenses a trace for display and indexing.
type Summary struct {
	PlanID           string
	Events           int
	StepsCompleted   int
	Errors           int
	Succeeded        bool
	LastError        string
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
}

// Summarize computes a Summary of t.
func Summarize(t *Trace) Summary {
	s := Summary{Events: len(t.Events)}
	var first, last int64
	for i, e := range t.Events {
		if i == 0 {
			first = e.TS
		}
		last = e.TS

		switch e.Type {
		case EventPlanStart:
			if s.PlanID == "" {
				s.PlanID = e.PlanID
			}
		case EventThinkEnd, EventToolEnd:
			s.StepsCompleted++
			if e.Usage != nil {
				s.PromptTokens += e.Usage.Prompt
				s.CompletionTokens += e.Usage.Completion
			}
		case EventError:
			s.Errors++
			s.LastError = e.Message
		case EventPlanEnd:
			if e.OK != nil && *e.OK {
				s.Succeeded = true
			}
		}
	}
	if last > first {
		s.Duration = time.Duration(last-first) * time.Millisecond
	}
	return s
}
