package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Op identifies an instruction type.
type Op int

const (
	// OpNull does nothing.
	OpNull Op = iota
	// OpCheckpoint marks a safe resume point.
	OpCheckpoint
	// OpSleep waits for a duration. A pause may cut it short; it then runs
	// again in full after resume.
	OpSleep
	// OpCall runs a function. A non-idempotent call marks the run as
	// unsafe to rewind until the next checkpoint.
	OpCall
)

func (o Op) String() string {
	switch o {
	case OpNull:
		return "null"
	case OpCheckpoint:
		return "checkpoint"
	case OpSleep:
		return "sleep"
	case OpCall:
		return "call"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Instruction is one step of a plan.
type Instruction struct {
	Op         Op
	Name       string
	Duration   time.Duration
	Fn         func(ctx context.Context) error
	Idempotent bool
}

// Null does nothing. It is a safe point.
func Null() Instruction { return Instruction{Op: OpNull} }

// Checkpoint records the resume point for a later pause.
func Checkpoint() Instruction { return Instruction{Op: OpCheckpoint} }

// Sleep waits d on the engine clock. An interrupted sleep is repeated in
// full after a resume.
func Sleep(d time.Duration) Instruction { return Instruction{Op: OpSleep, Duration: d} }

// Call runs fn. Work done by fn is not safe to repeat, so a pause requested
// after it waits for the next checkpoint.
func Call(name string, fn func(ctx context.Context) error) Instruction {
	return Instruction{Op: OpCall, Name: name, Fn: fn}
}

// IdempotentCall runs fn, which may safely run again after a rewind.
func IdempotentCall(name string, fn func(ctx context.Context) error) Instruction {
	return Instruction{Op: OpCall, Name: name, Fn: fn, Idempotent: true}
}

// rewindable reports whether re-executing the instruction after a rewind is
// harmless.
func (i Instruction) rewindable() bool {
	return i.Op != OpCall || i.Idempotent
}

func (i Instruction) String() string {
	switch i.Op {
	case OpSleep:
		return fmt.Sprintf("sleep(%s)", i.Duration)
	case OpCall:
		if i.Idempotent {
			return fmt.Sprintf("call(%s, idempotent)", i.Name)
		}
		return fmt.Sprintf("call(%s)", i.Name)
	default:
		return i.Op.String()
	}
}

// ParsePlan parses a comma separated plan such as
// "checkpoint, sleep=200ms, null". Tokens may repeat with a "*N" suffix,
// e.g. "checkpoint,sleep=1s*3".
func ParsePlan(s string) ([]Instruction, error) {
	var plan []Instruction
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		repeat := 1
		if i := strings.LastIndex(tok, "*"); i >= 0 {
			n, err := strconv.Atoi(strings.TrimSpace(tok[i+1:]))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid repeat in %q", tok)
			}
			repeat = n
			tok = strings.TrimSpace(tok[:i])
		}

		name, arg, _ := strings.Cut(tok, "=")
		var ins Instruction
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "checkpoint":
			ins = Checkpoint()
		case "null":
			ins = Null()
		case "sleep":
			d, err := time.ParseDuration(strings.TrimSpace(arg))
			if err != nil {
				return nil, fmt.Errorf("invalid sleep in %q: %w", tok, err)
			}
			if d < 0 {
				return nil, fmt.Errorf("negative sleep in %q", tok)
			}
			ins = Sleep(d)
		default:
			return nil, fmt.Errorf("unknown instruction %q", tok)
		}
		for n := 0; n < repeat; n++ {
			plan = append(plan, ins)
		}
	}
	if len(plan) == 0 {
		return nil, ErrEmptyPlan
	}
	return plan, nil
}
