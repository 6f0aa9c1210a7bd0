package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order: the first middleware is the outermost wrapper.
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// Stage is a named pipeline step.
type Stage struct {
	Name       string
	Middleware Middleware
}

// Pipeline is an ordered list of stages; the first stage sees the request first.
type Pipeline []Stage

// Names returns the stage names in execution order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.Name
	}
	return names
}

// With returns a copy of the pipeline with stages appended.
func (p Pipeline) With(stages ...Stage) Pipeline {
	out := make(Pipeline, 0, len(p)+len(stages))
	out = append(out, p...)
	return append(out, stages...)
}

// Replace returns a copy of the pipeline with the named stage swapped out.
// The pipeline is returned unchanged if no stage has that name.
func (p Pipeline) Replace(name string, mw Middleware) Pipeline {
	out := make(Pipeline, len(p))
	copy(out, p)
	for i := range out {
		if out[i].Name == name {
			out[i].Middleware = mw
		}
	}
	return out
}

// Then wraps handler with every stage.
func (p Pipeline) Then(handler http.Handler) http.Handler {
	mw := make([]Middleware, len(p))
	for i, s := range p {
		mw[i] = s.Middleware
	}
	return Chain(handler, mw...)
}
