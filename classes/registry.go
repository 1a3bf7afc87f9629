package classes

import (
	"sync"

	"github.com/xxuejie/sohm/sohm_errors"
)

type Class struct {
	Name   string
	Fields Fields
}

func (c *Class) Valid() bool {
	if len(c.Name) == 0 || hasUnsafeChars(c.Name) {
		return false
	}
	seen := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		if !f.Valid() {
			return false
		}
		if _, dup := seen[f.Name]; dup {
			return false
		}
		seen[f.Name] = struct{}{}
	}
	return true
}

// Registry resolves class names to class descriptions. It is populated
// explicitly at startup; lookups never trigger lazy resolution.
type Registry struct {
	lock    sync.RWMutex
	classes map[string]*Class
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*Class)}
}

func (r *Registry) Register(class *Class) error {
	if !class.Valid() {
		return sohm_errors.ErrBadClass
	}
	r.lock.Lock()
	r.classes[class.Name] = class
	r.lock.Unlock()
	return nil
}

func (r *Registry) Get(name string) (*Class, error) {
	r.lock.RLock()
	class, ok := r.classes[name]
	r.lock.RUnlock()
	if !ok {
		return nil, sohm_errors.ErrTypeUnknown
	}
	return class, nil
}

func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	return names
}
