// SPDX-License-Identifier: MIT
//
// This file defines the error taxonomy shared by composition, execution,
// oversight and adaptation. Every failure surfaced to a caller or routed
// through a resilience policy carries one of these kinds.
package model

import (
	"errors"
	"fmt"
)

// ErrKind classifies a failure. Composition-time kinds abort a plan build;
// execution-time kinds are routed through the node's resilience rules.
type ErrKind string

const (
	// Composition-time kinds, fatal to the composition attempt.
	ErrUnresolvedDependency ErrKind = "UnresolvedDependency"
	ErrCyclicDependency     ErrKind = "CyclicDependency"
	ErrUnsatisfiedInput     ErrKind = "UnsatisfiedInput"
	ErrUnresolvedHandler    ErrKind = "UnresolvedHandler"

	// Execution-time kinds, evaluated against the node's resilience rules.
	ErrInputValidation ErrKind = "InputValidationError"
	ErrExecution       ErrKind = "ExecutionError"
	ErrOutputContract  ErrKind = "OutputContractViolation"
	ErrTimeout         ErrKind = "Timeout"
	ErrStaleDependency ErrKind = "StaleDependency"
	ErrAuthorization   ErrKind = "AuthorizationDenied"

	// Adaptation-time kind. Logged only; never affects the completed run.
	ErrAdaptation ErrKind = "AdaptationComputationError"
)

// Error is a classified error optionally tagged with the node it concerns.
type Error struct {
	Kind ErrKind
	Node Identity
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var prefix string
	if !e.Node.IsZero() {
		prefix = fmt.Sprintf("%s: %s", e.Node, e.Kind)
	} else {
		prefix = string(e.Kind)
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return prefix
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a formatted message.
func E(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NodeErr builds a classified error tagged with a node identity, wrapping an
// underlying cause when one exists.
func NodeErr(kind ErrKind, node Identity, err error) *Error {
	return &Error{Kind: kind, Node: node, Err: err}
}

// KindOf returns the ErrKind carried by err, unwrapping as needed. Errors
// without a classification report ErrExecution, the catch-all for opaque
// handler failures.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrExecution
}
