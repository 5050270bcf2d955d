package rules

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/template"
)

type Outcome struct {
	Template      *template.Template `json:"template"`
	Results       []Result           `json:"results"`
	Skipped       []string           `json:"skipped,omitempty"`
	OutOfScope    []string           `json:"out_of_scope,omitempty"`
	TotalDuration time.Duration      `json:"total_duration_ns"`
}

// Evaluator applies rules to templates. It holds no per-pass state and is
// safe for concurrent use.
type Evaluator struct {
	log zerolog.Logger
	now func() time.Time
}

type EvaluatorOption func(*Evaluator)

func WithLogger(log zerolog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.log = log.With().Str("component", "rules").Logger() }
}

// WithClock replaces the wall clock used for durations and the time budget.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Order returns the active rules in evaluation order: priority descending,
// ties kept in the order given.
func Order(rules []*Rule) []*Rule {
	active := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Active {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})
	return active
}

// Scope keeps the rules tpl references. A template without references
// accepts every rule. The second result lists the ids left out.
func Scope(rules []*Rule, tpl *template.Template) ([]*Rule, []string) {
	if tpl == nil {
		return rules, nil
	}
	refs := tpl.ReferencedRules()
	if len(refs) == 0 {
		return rules, nil
	}
	want := make(map[string]bool, len(refs))
	for _, id := range refs {
		want[id] = true
	}

	var in []*Rule
	var out []string
	for _, r := range rules {
		if r == nil {
			continue
		}
		if want[r.ID] {
			in = append(in, r)
		} else {
			out = append(out, r.ID)
		}
	}
	return in, out
}

// Evaluate runs the active rules tpl is scoped to against a copy of tpl. The
// caller's template is never modified.
func (ev *Evaluator) Evaluate(rules []*Rule, ctx Context, tpl *template.Template, opts Options) *Outcome {
	start := ev.now()
	scoped, outOfScope := Scope(rules, tpl)
	ordered := Order(scoped)

	working := tpl.Clone()
	if working == nil {
		working = &template.Template{}
	}
	target := working
	if opts.DryRun {
		target = working.Clone()
	}

	out := &Outcome{Results: make([]Result, 0, len(ordered)), OutOfScope: outOfScope}

	for i, r := range ordered {
		if i > 0 && opts.MaxExecutionTime > 0 && ev.now().Sub(start) >= opts.MaxExecutionTime {
			for _, rest := range ordered[i:] {
				out.Skipped = append(out.Skipped, rest.ID)
			}
			ev.log.Warn().
				Int("skipped", len(out.Skipped)).
				Dur("budget", opts.MaxExecutionTime).
				Msg("rule evaluation exceeded time budget")
			break
		}

		res := ev.evaluateRule(r, ctx, target, opts)
		out.Results = append(out.Results, res)

		if opts.HaltOnRuleError && len(res.Errors) > 0 {
			for _, rest := range ordered[i+1:] {
				out.Skipped = append(out.Skipped, rest.ID)
			}
			break
		}
	}

	matched := make(map[string]bool, len(out.Results))
	for _, res := range out.Results {
		if res.Matched {
			matched[res.RuleID] = true
		}
	}
	resolveConditionals(target, matched, ctx)

	out.Template = working
	out.TotalDuration = ev.now().Sub(start)

	ev.log.Debug().
		Int("rules", len(ordered)).
		Int("evaluated", len(out.Results)).
		Dur("duration", out.TotalDuration).
		Msg("rules evaluated")
	return out
}

func (ev *Evaluator) evaluateRule(r *Rule, ctx Context, tpl *template.Template, opts Options) Result {
	start := ev.now()
	res := Result{
		RuleID:         r.ID,
		RuleName:       r.Name,
		ActionsApplied: []ActionOutcome{},
	}

	matched, err := matchRule(r, ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.Duration = ev.now().Sub(start)
		return res
	}
	res.Matched = matched

	if matched {
		for _, a := range r.Actions {
			outcome := applyAction(tpl, a, ctx)
			res.ActionsApplied = append(res.ActionsApplied, outcome)
			if !outcome.Success {
				res.Errors = append(res.Errors, outcome.Error)
				if opts.StopOnFirstError {
					break
				}
			}
		}
	}

	res.Duration = ev.now().Sub(start)
	return res
}

// matchRule combines conditions. An empty condition list always matches.
func matchRule(r *Rule, ctx Context) (bool, error) {
	if len(r.Conditions) == 0 {
		return true, nil
	}
	either := r.Combinator == Or
	for _, c := range r.Conditions {
		ok, err := evalCondition(ctx, c)
		if err != nil {
			return false, err
		}
		if either && ok {
			return true, nil
		}
		if !either && !ok {
			return false, nil
		}
	}
	return !either, nil
}

// resolveConditionals swaps in the first conditional content whose rule
// matched. Its style is merged over the element style.
func resolveConditionals(tpl *template.Template, matched map[string]bool, ctx Context) {
	for _, e := range tpl.Elements {
		for _, cc := range e.Content.Conditional {
			if !matched[cc.RuleID] {
				continue
			}
			e.Content = template.Content{Literal: Substitute(cc.Literal, ctx)}
			if len(cc.Style) > 0 {
				if e.Style == nil {
					e.Style = template.Style{}
				}
				for k, v := range cc.Style {
					e.Style[k] = v
				}
			}
			break
		}
	}
}

func applyAction(tpl *template.Template, a Action, ctx Context) ActionOutcome {
	typ := a.Type.Canonical()
	outcome := ActionOutcome{Type: typ, Target: a.Target}

	fn, ok := actions[typ]
	if !ok {
		outcome.Error = "unknown action " + string(a.Type)
		return outcome
	}
	applied, err := fn(tpl, a, ctx)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Success = true
	outcome.AppliedValue = applied
	return outcome
}
