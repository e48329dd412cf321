package checklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperrealist/bluesky/pkg/signal"
)

// Op names a check.
type Op string

const (
	OpConnect   Op = "connect"
	OpEqual     Op = "equal"
	OpGreater   Op = "greater"
	OpLess      Op = "less"
	OpInBand    Op = "in_band"
	OpOutOfBand Op = "out_of_band"
	OpExpr      Op = "expr"
)

// Check is one declarative checklist entry.
type Check struct {
	Name   string   `json:"name" yaml:"name" toml:"name"`
	Op     Op       `json:"op" yaml:"op" toml:"op"`
	Signal string   `json:"signal,omitempty" yaml:"signal,omitempty" toml:"signal,omitempty"`
	Value  float64  `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
	Low    float64  `json:"low,omitempty" yaml:"low,omitempty" toml:"low,omitempty"`
	High   float64  `json:"high,omitempty" yaml:"high,omitempty" toml:"high,omitempty"`
	Expr   string   `json:"expr,omitempty" yaml:"expr,omitempty" toml:"expr,omitempty"`
	With   []string `json:"with,omitempty" yaml:"with,omitempty" toml:"with,omitempty"`
}

func (c Check) label() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Op == OpExpr {
		return c.Expr
	}
	return fmt.Sprintf("%s %s", c.Op, c.Signal)
}

func (c Check) validate() error {
	switch c.Op {
	case OpConnect, OpEqual, OpGreater, OpLess:
		if c.Signal == "" {
			return fmt.Errorf("check %q: %s needs a signal", c.label(), c.Op)
		}
	case OpInBand, OpOutOfBand:
		if c.Signal == "" {
			return fmt.Errorf("check %q: %s needs a signal", c.label(), c.Op)
		}
		if !(c.Low < c.High) {
			return fmt.Errorf("check %q: low %g must be below high %g", c.label(), c.Low, c.High)
		}
	case OpExpr:
		if strings.TrimSpace(c.Expr) == "" {
			return fmt.Errorf("check %q: empty expression", c.label())
		}
	default:
		return fmt.Errorf("check %q: unknown op %q", c.label(), c.Op)
	}
	return nil
}

// signals lists the signals an expression check reads, Signal first.
func (c Check) signals() []string {
	ids := make([]string, 0, len(c.With)+1)
	if c.Signal != "" {
		ids = append(ids, c.Signal)
	}
	return append(ids, c.With...)
}

// Result is the outcome of one check.
type Result struct {
	Check    string        `json:"check"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	err      error
}

func (r Result) Err() error { return r.err }

// Report collects the results of a checklist run.
type Report struct {
	Results []Result `json:"results"`
}

func (r Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Err joins every failure, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Check, res.err))
		}
	}
	return errors.Join(errs...)
}

// Checklist runs a fixed set of checks against one reader.
type Checklist struct {
	reader  signal.Reader
	checks  []Check
	eval    *Evaluator
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Checklist)

// WithTimeout bounds each check.
func WithTimeout(d time.Duration) Option {
	return func(c *Checklist) { c.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Checklist) {
		if l != nil {
			c.logger = l
		}
	}
}

// New validates checks and compiles expression checks up front.
func New(r signal.Reader, checks []Check, opts ...Option) (*Checklist, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	c := &Checklist{
		reader:  r,
		checks:  append([]Check(nil), checks...),
		eval:    eval,
		timeout: DefaultConnectTimeout,
		logger:  slog.Default().With("component", "checklist"),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, chk := range c.checks {
		if err := chk.validate(); err != nil {
			return nil, err
		}
		if chk.Op == OpExpr {
			if err := eval.Compile(chk.Expr); err != nil {
				return nil, fmt.Errorf("check %q: %w", chk.label(), err)
			}
		}
	}
	return c, nil
}

// Run executes every check, continuing past failures.
func (c *Checklist) Run(ctx context.Context) Report {
	report := Report{Results: make([]Result, 0, len(c.checks))}
	for _, chk := range c.checks {
		start := time.Now()
		err := c.run(ctx, chk)
		res := Result{Check: chk.label(), Passed: err == nil, Duration: time.Since(start), err: err}
		if err != nil {
			res.Error = err.Error()
			c.logger.WarnContext(ctx, "check failed", "check", res.Check, "error", err)
		} else {
			c.logger.DebugContext(ctx, "check passed", "check", res.Check)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (c *Checklist) run(ctx context.Context, chk Check) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	switch chk.Op {
	case OpConnect:
		return Connect(ctx, c.reader, chk.Signal)
	case OpEqual:
		return AssertEqual(ctx, c.reader, chk.Signal, chk.Value)
	case OpGreater:
		return AssertGreater(ctx, c.reader, chk.Signal, chk.Value)
	case OpLess:
		return AssertLess(ctx, c.reader, chk.Signal, chk.Value)
	case OpInBand:
		return AssertInBand(ctx, c.reader, chk.Signal, chk.Low, chk.High)
	case OpOutOfBand:
		return AssertOutOfBand(ctx, c.reader, chk.Signal, chk.Low, chk.High)
	case OpExpr:
		return assertExpr(ctx, c.eval, c.reader, chk.Expr, chk.signals())
	default:
		return fmt.Errorf("unknown op %q", chk.Op)
	}
}
