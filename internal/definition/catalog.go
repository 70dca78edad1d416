package definition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/pkg/schema"
)

// Catalog maps names used in definition documents to Go processors and
// fallbacks. It is safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	processors map[string]registry.Processor
	fallbacks  map[string]registry.Fallback
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		processors: make(map[string]registry.Processor),
		fallbacks:  make(map[string]registry.Fallback),
	}
}

// AddProcessor registers p under name. Returns CONFIG_ERROR on duplicates.
func (c *Catalog) AddProcessor(name string, p registry.Processor) error {
	if err := checkEntry(name, p == nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.processors[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConfig, "processor %q already in catalog", name)
	}
	c.processors[name] = p
	return nil
}

// AddFallback registers f under name. Returns CONFIG_ERROR on duplicates.
func (c *Catalog) AddFallback(name string, f registry.Fallback) error {
	if err := checkEntry(name, f == nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.fallbacks[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConfig, "fallback %q already in catalog", name)
	}
	c.fallbacks[name] = f
	return nil
}

// AddNamespace registers every processor and fallback of a WorkflowConfig
// as "prefix.step", so a built-in workflow's pieces can be reused by
// declarative definitions.
func (c *Catalog) AddNamespace(prefix string, cfg registry.WorkflowConfig) error {
	if prefix == "" {
		return schema.NewError(schema.ErrCodeConfig, "catalog namespace is empty")
	}
	for step, p := range cfg.Processors {
		if err := c.AddProcessor(fmt.Sprintf("%s.%s", prefix, step), p); err != nil {
			return err
		}
	}
	for step, f := range cfg.Fallbacks {
		if err := c.AddFallback(fmt.Sprintf("%s.%s", prefix, step), f); err != nil {
			return err
		}
	}
	return nil
}

// Processor looks up a processor by name.
func (c *Catalog) Processor(name string) (registry.Processor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.processors[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "processor %q not in catalog", name)
	}
	return p, nil
}

// Fallback looks up a fallback by name.
func (c *Catalog) Fallback(name string) (registry.Fallback, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.fallbacks[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "fallback %q not in catalog", name)
	}
	return f, nil
}

// Names returns the processor and fallback names, each sorted.
func (c *Catalog) Names() (processors, fallbacks []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for n := range c.processors {
		processors = append(processors, n)
	}
	for n := range c.fallbacks {
		fallbacks = append(fallbacks, n)
	}
	sort.Strings(processors)
	sort.Strings(fallbacks)
	return processors, fallbacks
}

func checkEntry(name string, isNil bool) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeConfig, "catalog entry name is empty")
	}
	if isNil {
		return schema.NewErrorf(schema.ErrCodeConfig, "catalog entry %q is nil", name)
	}
	return nil
}
