package events

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var defaultConditions = NewConditions()

// Conditions evaluates destination condition expressions, caching compiled
// programs by source text. Safe for concurrent use.
//
// An expression sees type, memoryKey, createdAt (time.Time) and projectId.
// It must evaluate to a bool; anything that fails to compile or run
// matches every event.
type Conditions struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	broken   map[string]error
}

// NewConditions creates an empty condition cache.
func NewConditions() *Conditions {
	return &Conditions{
		programs: make(map[string]*vm.Program),
		broken:   make(map[string]error),
	}
}

// Compile checks that src is a valid boolean condition.
func Compile(src string) error {
	if src == "" {
		return nil
	}
	_, err := expr.Compile(src, expr.AsBool())
	return err
}

// Match reports whether d passes the condition src. Empty src matches.
func (c *Conditions) Match(src, projectID string, d Descriptor) bool {
	if src == "" {
		return true
	}
	prog := c.program(src)
	if prog == nil {
		return true
	}
	env := map[string]any{
		"type":      string(d.Type),
		"memoryKey": d.MemoryKey,
		"createdAt": d.CreatedAt,
		"projectId": projectID,
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return true
	}
	b, ok := out.(bool)
	return !ok || b
}

func (c *Conditions) program(src string) *vm.Program {
	c.mu.RLock()
	prog, ok := c.programs[src]
	_, bad := c.broken[src]
	c.mu.RUnlock()
	if ok {
		return prog
	}
	if bad {
		return nil
	}

	prog, err := expr.Compile(src, expr.AsBool())

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.broken[src] = err
		return nil
	}
	c.programs[src] = prog
	return prog
}
