// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

const (
	// maxRuleLength caps the CEL expression size so a hostile policy file
	// cannot stall compilation.
	maxRuleLength = 10000

	// ruleCostLimit caps runtime evaluation cost.
	ruleCostLimit = 1000000
)

// ErrRuleCheck is returned when a policy rule fails syntax or type checking.
var ErrRuleCheck = errors.New("policy rule check failed")

// ruleEnv is the shared CEL environment for policy rules. It declares the
// request attributes a rule may inspect.
var ruleEnv = struct {
	once sync.Once
	env  *cel.Env
	err  error
}{}

func getRuleEnv() (*cel.Env, error) {
	ruleEnv.once.Do(func() {
		ruleEnv.env, ruleEnv.err = cel.NewEnv(
			cel.Variable("url", cel.StringType),
			cel.Variable("scheme", cel.StringType),
			cel.Variable("host", cel.StringType),
			cel.Variable("port", cel.IntType),
			cel.Variable("method", cel.StringType),
		)
	})
	return ruleEnv.env, ruleEnv.err
}

// Rule is a compiled policy rule, safe for concurrent evaluation.
type Rule struct {
	source  string
	program cel.Program
}

// RuleInput carries the request attributes a rule is evaluated against.
type RuleInput struct {
	URL    string
	Scheme string
	Host   string
	Port   uint16
	Method string
}

// CompileRule compiles a CEL expression into a Rule. The expression must be
// of type bool.
func CompileRule(expr string) (*Rule, error) {
	if len(expr) > maxRuleLength {
		return nil, fmt.Errorf("%w: expression length %d exceeds maximum of %d",
			ErrRuleCheck, len(expr), maxRuleLength)
	}

	env, err := getRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuleCheck, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule must evaluate to bool, got %s",
			ErrRuleCheck, ast.OutputType())
	}

	program, err := env.Program(ast, cel.CostLimit(ruleCostLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program for %q: %w", expr, err)
	}
	return &Rule{source: expr, program: program}, nil
}

// CheckRule verifies that expr compiles to a boolean rule without retaining
// the program. Used for configuration validation.
func CheckRule(expr string) error {
	_, err := CompileRule(expr)
	return err
}

// Source returns the original expression text.
func (r *Rule) Source() string {
	return r.source
}

// Allow evaluates the rule. A false result or an evaluation error denies the
// request; evaluation errors are surfaced so callers can distinguish them.
func (r *Rule) Allow(in RuleInput) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"url":    in.URL,
		"scheme": in.Scheme,
		"host":   in.Host,
		"port":   int64(in.Port),
		"method": in.Method,
	})
	if err != nil {
		return false, fmt.Errorf("policy rule evaluation failed: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("policy rule returned %T, want bool", out)
	}
	return bool(b), nil
}
