package builtin

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"

	"github.com/ormasoftchile/plantrace/pkg/retry"
	"github.com/ormasoftchile/plantrace/pkg/tools"
)

// minTimeCost keeps EVA finite for signals that claim to cost nothing.
const minTimeCost = 1e-6

// Regex flag bits accepted by filter_by_regex.
const (
	FlagIgnoreCase = 2
	FlagMultiline  = 8
	FlagDotAll     = 16
)

// Signal is one inbound item competing for attention.
type Signal struct {
	ID                string  `json:"id"                 jsonschema:"required"`
	Content           string  `json:"content"            jsonschema:"required"`
	Source            string  `json:"source"             jsonschema:"required"`
	Category          string  `json:"category,omitempty"`
	TimeCost          float64 `json:"time_cost"          jsonschema:"minimum=0,default=1"`
	ProbabilityUseful float64 `json:"probability_useful" jsonschema:"minimum=0,maximum=1,default=0.5"`
	Impact            float64 `json:"impact"             jsonschema:"exclusiveMinimum=0,maximum=10,default=1"`
}

// UnmarshalJSON applies the field defaults for absent values.
func (s *Signal) UnmarshalJSON(data []byte) error {
	type plain Signal
	p := plain{TimeCost: 1, ProbabilityUseful: 0.5, Impact: 1}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Signal(p)
	return nil
}

// EVA is the expected value of attention: probability_useful * impact per
// unit of time_cost.
func (s Signal) EVA() float64 {
	return s.ProbabilityUseful * s.Impact / max(s.TimeCost, minTimeCost)
}

type SignalsInput struct {
	Signals []Signal `json:"signals" jsonschema:"required"`
}

type SignalsOutput struct {
	Signals []Signal `json:"signals"`
}

type FilterBySourceInput struct {
	Signals        []Signal `json:"signals"                   jsonschema:"required"`
	AllowedSources []string `json:"allowed_sources,omitempty"`
}

type FilterByRegexInput struct {
	Signals []Signal `json:"signals" jsonschema:"required"`
	Pattern string   `json:"pattern" jsonschema:"required"`
	Flags   int      `json:"flags,omitempty"`
}

type PrioritizeInput struct {
	Signals []Signal `json:"signals"         jsonschema:"required"`
	TopK    *int     `json:"top_k,omitempty"`
}

type RandomSampleInput struct {
	Signals    []Signal `json:"signals"     jsonschema:"required"`
	SampleSize int      `json:"sample_size" jsonschema:"required,minimum=0"`
}

type SignalScore struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type ScoresOutput struct {
	Scores []SignalScore `json:"scores"`
}

func filterBySource(_ context.Context, input any, _ tools.Context) (any, error) {
	var req FilterBySourceInput
	if err := decode(input, &req); err != nil {
		return nil, retry.Permanent(err)
	}
	if len(req.AllowedSources) == 0 {
		return SignalsOutput{Signals: nonNil(req.Signals)}, nil
	}
	allowed := make(map[string]bool, len(req.AllowedSources))
	for _, s := range req.AllowedSources {
		allowed[s] = true
	}
	kept := []Signal{}
	for _, s := range req.Signals {
		if allowed[s.Source] {
			kept = append(kept, s)
		}
	}
	return SignalsOutput{Signals: kept}, nil
}

func filterByRegex(_ context.Context, input any, _ tools.Context) (any, error) {
	var req FilterByRegexInput
	if err := decode(input, &req); err != nil {
		return nil, retry.Permanent(err)
	}
	re, err := compileWithFlags(req.Pattern, req.Flags)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid regular expression: %w", err))
	}
	kept := []Signal{}
	for _, s := range req.Signals {
		if re.MatchString(s.Content) {
			kept = append(kept, s)
		}
	}
	return SignalsOutput{Signals: kept}, nil
}

func compileWithFlags(pattern string, flags int) (*regexp.Regexp, error) {
	prefix := ""
	if flags&FlagIgnoreCase != 0 {
		prefix += "i"
	}
	if flags&FlagMultiline != 0 {
		prefix += "m"
	}
	if flags&FlagDotAll != 0 {
		prefix += "s"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func scoreSignals(_ context.Context, input any, _ tools.Context) (any, error) {
	var req SignalsInput
	if err := decode(input, &req); err != nil {
		return nil, retry.Permanent(err)
	}
	scores := make([]SignalScore, 0, len(req.Signals))
	for _, s := range req.Signals {
		scores = append(scores, SignalScore{ID: s.ID, Score: s.EVA()})
	}
	slices.SortStableFunc(scores, func(a, b SignalScore) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return ScoresOutput{Scores: scores}, nil
}

func prioritizeSignals(_ context.Context, input any, _ tools.Context) (any, error) {
	var req PrioritizeInput
	if err := decode(input, &req); err != nil {
		return nil, retry.Permanent(err)
	}
	sorted := slices.Clone(nonNil(req.Signals))
	slices.SortStableFunc(sorted, func(a, b Signal) int {
		return cmp.Compare(b.EVA(), a.EVA())
	})
	if req.TopK != nil {
		k := min(max(*req.TopK, 0), len(sorted))
		sorted = sorted[:k]
	}
	return SignalsOutput{Signals: sorted}, nil
}

func (s Set) randomSample(_ context.Context, input any, _ tools.Context) (any, error) {
	var req RandomSampleInput
	if err := decode(input, &req); err != nil {
		return nil, retry.Permanent(err)
	}
	if req.SampleSize < 0 {
		return nil, retry.Permanent(fmt.Errorf("sample_size must be non-negative, got %d", req.SampleSize))
	}
	if len(req.Signals) > 0 && req.SampleSize > len(req.Signals) {
		return nil, retry.Permanent(fmt.Errorf("sample_size %d exceeds the %d signals provided", req.SampleSize, len(req.Signals)))
	}
	if req.SampleSize == 0 || len(req.Signals) == 0 {
		return SignalsOutput{Signals: []Signal{}}, nil
	}

	perm := rand.Perm
	if s.Rand != nil {
		perm = s.Rand.Perm
	}
	idx := perm(len(req.Signals))[:req.SampleSize]
	out := make([]Signal, 0, req.SampleSize)
	for _, i := range idx {
		out = append(out, req.Signals[i])
	}
	return SignalsOutput{Signals: out}, nil
}

func nonNil(s []Signal) []Signal {
	if s == nil {
		return []Signal{}
	}
	return s
}
