package store

import "fmt"

// ParamBuilder accumulates query parameters and hands out $n placeholders.
type ParamBuilder struct {
	params []any
	n      int
}

func NewParamBuilder() *ParamBuilder {
	return &ParamBuilder{}
}

// Add appends a value and returns its placeholder.
func (p *ParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *ParamBuilder) Params() []any { return p.params }
func (p *ParamBuilder) Count() int    { return p.n }
