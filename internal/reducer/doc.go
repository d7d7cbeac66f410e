// Package reducer provides named, data-driven reducers for callers that
// cannot hand the engine a Go function: the CLI, the HTTP bridge and
// scenario files.
//
// Built-ins take an object input:
//
//	set        {"path": [...], "value": v}
//	delete     {"path": [...]}
//	append     {"path": [...], "value": v}
//	increment  {"path": [...], "by": n}     by defaults to 1
//	batch      {"ops": [{"op": "set", ...}, ...]}
//
// A path is an array of segments (strings, or integers for collection
// indices) or a dotted string. Script reducers are registered from
// package script.
package reducer
