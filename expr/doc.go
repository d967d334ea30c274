// Package expr implements the sandboxed control-flow expression evaluator.
//
// Expressions are evaluated over a fixed environment (flow input, completed
// node outputs, user context, loop iteration) and cannot perform I/O, call
// functions, or mutate state. Supported operators: comparison (< <= == !=
// >= >, with = accepted for ==), logical (and, or, not and the symbolic
// forms &&, ||, !), arithmetic (+ - * /), membership (in), string equality
// and concatenation, and dotted field access.
package expr
