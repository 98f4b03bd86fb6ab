// Package safety bounds the work one agentic turn may do.
package safety

import (
	"fmt"

	apperrors "github.com/omi/listen-server/internal/errors"
)

const (
	DefaultMaxToolCalls     = 25
	DefaultMaxContextTokens = 500_000

	warnRatio = 0.8
)

const (
	abortToolCalls = "I've hit the limit on how many steps I can take for one question. Try asking something narrower."
	abortContext   = "This question pulled in more information than I can handle at once. Try asking something narrower."
	WarningMessage = "approaching tool limit"
)

// Guard counts tool calls and context size within one turn. It is not safe
// for concurrent use; the agent loop owns it.
type Guard struct {
	maxToolCalls     int
	maxContextTokens int
	estimator        Estimator

	toolCalls     int
	perTool       map[string]int
	contextTokens int
	warned        bool
}

func NewGuard(estimator Estimator) *Guard {
	if estimator == nil {
		estimator = DefaultTokenizer()
	}
	return &Guard{
		maxToolCalls:     DefaultMaxToolCalls,
		maxContextTokens: DefaultMaxContextTokens,
		estimator:        estimator,
		perTool:          make(map[string]int),
	}
}

// WithLimits overrides the defaults.
func (g *Guard) WithLimits(maxToolCalls, maxContextTokens int) *Guard {
	g.maxToolCalls = maxToolCalls
	g.maxContextTokens = maxContextTokens
	return g
}

// Reset starts a new turn whose prompt and history hold the given texts.
func (g *Guard) Reset(prior ...string) {
	g.toolCalls = 0
	g.perTool = make(map[string]int)
	g.contextTokens = 0
	g.warned = false
	for _, p := range prior {
		g.contextTokens += g.estimator.Count(p)
	}
}

// ToolStart admits one tool call. It returns a non-empty warning the first
// time the turn crosses the soft threshold and a SAFETY_ABORT error once
// the call limit is exceeded; an aborted call is not counted.
func (g *Guard) ToolStart(name, args string) (string, error) {
	if g.toolCalls >= g.maxToolCalls {
		return "", apperrors.SafetyAbort(abortToolCalls).WithDetails(map[string]any{
			"toolCalls": g.toolCalls,
			"tool":      name,
		})
	}
	g.toolCalls++
	g.perTool[name]++
	g.contextTokens += g.estimator.Count(args)
	if err := g.checkContext(); err != nil {
		return "", err
	}
	return g.maybeWarn(), nil
}

// ToolEnd adds the tool's output to the context estimate.
func (g *Guard) ToolEnd(output string) (string, error) {
	g.contextTokens += g.estimator.Count(output)
	if err := g.checkContext(); err != nil {
		return "", err
	}
	return g.maybeWarn(), nil
}

func (g *Guard) checkContext() error {
	if g.contextTokens > g.maxContextTokens {
		return apperrors.SafetyAbort(abortContext).WithDetails(map[string]any{
			"contextTokens": g.contextTokens,
		})
	}
	return nil
}

func (g *Guard) maybeWarn() string {
	if g.warned {
		return ""
	}
	if float64(g.toolCalls) >= warnRatio*float64(g.maxToolCalls) ||
		float64(g.contextTokens) >= warnRatio*float64(g.maxContextTokens) {
		g.warned = true
		return WarningMessage
	}
	return ""
}

func (g *Guard) ToolCalls() int { return g.toolCalls }

func (g *Guard) CallsTo(name string) int { return g.perTool[name] }

func (g *Guard) ContextTokens() int { return g.contextTokens }

func (g *Guard) String() string {
	return fmt.Sprintf("toolCalls=%d/%d contextTokens=%d/%d", g.toolCalls, g.maxToolCalls, g.contextTokens, g.maxContextTokens)
}
