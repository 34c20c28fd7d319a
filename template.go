// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"github.com/xec-sh/xec-core/internal/shellquote"
)

// Template builds a ProcessHandle from a template's literal fragments and
// interpolated values: literals and values
// alternate, with len(literals) == len(values)+1. When the chain has a
// shell configured (Engine.Shell or Config.DefaultShell leave Command.Shell set),
// the fragments are joined into one shell-string command; otherwise each
// interpolated value becomes its own argv element.
//
// A template evaluation failure (e.g. a cyclic object interpolated in
// escaped mode) surfaces as a ValidationError, returned as a handle
// already in its terminal Failed state, so the caller's Wait/Text/etc. still
// works uniformly instead of requiring a separate error-handling path at
// call time.
func (e *Engine) Template(literals []string, values ...any) *ProcessHandle {
	cmd := e.base.Clone()
	mode := shellquote.Escaped
	if cmd.Raw {
		mode = shellquote.Raw
	}

	fragments := buildFragments(literals, values)

	if cmd.Shell != "" {
		s, err := shellquote.Build(mode, fragments)
		if err != nil {
			return templateErrorHandle(e, err)
		}
		cmd.ShellString = s
		return newHandle(e, cmd)
	}

	argv, err := shellquote.ArgvFromLiterals(mode, fragments)
	if err != nil {
		return templateErrorHandle(e, err)
	}
	cmd.Argv = argv
	return newHandle(e, cmd)
}

// buildFragments zips template literal segments with interpolated values.
// Each value in values becomes a Stringer-friendly/JSON-able/array-aware
// Fragment; a ProcessHandle value is interpolated via its TrimmedStdout
// (it already implements shellquote.Stringer).
func buildFragments(literals []string, values []any) []shellquote.Fragment {
	fragments := make([]shellquote.Fragment, 0, len(literals)+len(values))
	for i, lit := range literals {
		fragments = append(fragments, shellquote.Fragment{Literal: lit})
		if i < len(values) {
			fragments = append(fragments, shellquote.Fragment{HasValue: true, Value: values[i]})
		}
	}
	return fragments
}

func templateErrorHandle(e *Engine, err error) *ProcessHandle {
	h := &ProcessHandle{
		engine: e, done: make(chan struct{}), state: StateFailed,
		err: &ValidationError{Field: "Template", Reason: err.Error()},
	}
	close(h.done)
	return h
}
