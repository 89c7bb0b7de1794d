package kernelspec

import "sync"

// StaticResolver resolves kernel specs registered in memory.
type StaticResolver struct {
	mu    sync.RWMutex
	specs map[string]*KernelSpec
}

func NewStaticResolver(specs ...*KernelSpec) *StaticResolver {
	r := &StaticResolver{specs: make(map[string]*KernelSpec, len(specs))}
	for _, spec := range specs {
		r.Add(spec)
	}
	return r
}

// Add registers a copy of spec under spec.Name, replacing any spec with the same name.
func (r *StaticResolver) Add(spec *KernelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.specs[spec.Name] = spec.Clone()
}

func (r *StaticResolver) Resolve(name string) (*KernelSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return nil, noSuchKernel(name)
	}
	return spec.Clone(), nil
}
