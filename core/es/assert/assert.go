// Package assert expresses aggregate preconditions as named, composable
// conditions so domain operations can state their guards declaratively.
package assert

import "fmt"

type CondFunc func() bool

// Cond is a named precondition.
type Cond interface {
	String() string
	Eval() bool
	Check() error
}

type cond struct {
	name string
	cond CondFunc
}

func (c *cond) String() string { return c.name }
func (c *cond) Eval() bool     { return c.cond() }
func (c *cond) Check() error {
	if !c.cond() {
		return fmt.Errorf("precondition failed: %s", c.name)
	}
	return nil
}

func newCond(name string, condFn CondFunc) *cond {
	return &cond{name: name, cond: condFn}
}

func Not(c Cond) Cond {
	return newCond(fmt.Sprintf("[not](%s)", c.String()), func() bool { return !c.Eval() })
}
func True(v bool, name string) Cond  { return newCond(name, func() bool { return v }) }
func False(v bool, name string) Cond { return newCond(name, func() bool { return !v }) }

// Check evaluates the conditions in order and returns the first failure.
func Check(cs ...Cond) error {
	for _, c := range cs {
		if err := c.Check(); err != nil {
			return err
		}
	}
	return nil
}
