package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// exprCostLimit bounds a single expression evaluation.
	exprCostLimit = 100000

	maxCachedEnvs     = 16
	maxCachedPrograms = 512
)

var (
	exprMu   sync.Mutex
	exprEnvs = newCache[*cel.Env](maxCachedEnvs)
	exprProg = newCache[cel.Program](maxCachedPrograms)
)

// newCache builds a bounded least-recently-used cache keyed by source text.
func newCache[V any](size int) *lru.Cache[string, V] {
	c, err := lru.New[string, V](size)
	if err != nil {
		panic(err)
	}
	return c
}

// Eval runs a CEL expression with vars bound as dynamic variables.
// Environments and programs are cached per variable set and expression.
func Eval(expression string, vars map[string]any) (Value, error) {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	sig := strings.Join(names, ",")

	prog, err := program(sig, names, expression)
	if err != nil {
		return Value{}, err
	}

	out, _, err := prog.Eval(vars)
	if err != nil {
		return Value{}, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return FromGo(out.Value()), nil
}

func program(sig string, names []string, expression string) (cel.Program, error) {
	key := sig + "|" + expression

	exprMu.Lock()
	defer exprMu.Unlock()

	if p, ok := exprProg.Get(key); ok {
		return p, nil
	}

	env, ok := exprEnvs.Get(sig)
	if !ok {
		opts := make([]cel.EnvOption, 0, len(names))
		for _, n := range names {
			opts = append(opts, cel.Variable(n, cel.DynType))
		}
		var err error
		env, err = cel.NewEnv(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL environment: %w", err)
		}
		exprEnvs.Add(sig, env)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(exprCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	exprProg.Add(key, prog)
	return prog, nil
}
