// Package render drives one image-generation request end to end: it invokes
// a generation engine with a per-step progress observer, runs the optional
// post-processing filters, saves outputs to disk and emits the serialized
// result on the request's output channel.
//
// All stages of a request run sequentially on the caller's goroutine. The
// only cancellation point is the per-step observer, which polls the stop
// flag of the worker's Context.
package render
