package provisioner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/kernel-manager/common/jupyter/kernelspec"
	"github.com/scusemua/kernel-manager/common/utils/hashmap"
)

var (
	ErrProvisionerNotAvailable = errors.New("kernel provisioner not available")
)

// Constructor creates the provisioner of one kernel from the "config" part of its spec's provisioner stanza.
type Constructor func(kernelId string, cfg map[string]interface{}) (Provisioner, error)

type registration struct {
	name        string
	constructor Constructor
}

// Factory maps provisioner names to constructors.
//
// A kernel's provisioner is resolved once per start, from the "kernel_provisioner" stanza of its spec's metadata.
type Factory struct {
	registrations *hashmap.ConcurrentMap[*registration]

	log logger.Logger
}

// NewFactory returns a Factory in which the local provisioner is registered.
func NewFactory() *Factory {
	f := &Factory{
		registrations: hashmap.NewConcurrentMap[*registration](8),
	}
	config.InitLogger(&f.log, f)

	local := NewLocalProvisioner()
	f.Register(LocalProvisionerName, func(string, map[string]interface{}) (Provisioner, error) {
		return local, nil
	})

	return f
}

// Register makes a provisioner available under name, replacing any earlier registration of that name.
func (f *Factory) Register(name string, constructor Constructor) {
	f.registrations.Store(name, &registration{name: name, constructor: constructor})
	f.log.Debug("Registered kernel provisioner \"%s\".", name)
}

// RegisterInstance registers a provisioner that is shared by every kernel using it.
func (f *Factory) RegisterInstance(p Provisioner) {
	f.Register(p.Name(), func(string, map[string]interface{}) (Provisioner, error) {
		return p, nil
	})
}

// IsAvailable returns true if name is registered.
func (f *Factory) IsAvailable(name string) bool {
	_, ok := f.registrations.Load(name)
	return ok
}

// Names returns the sorted names of the registered provisioners.
func (f *Factory) Names() []string {
	names := make([]string, 0, f.registrations.Len())
	f.registrations.Range(func(name string, _ *registration) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Create returns the provisioner declared by spec for the given kernel.
func (f *Factory) Create(kernelId string, spec *kernelspec.KernelSpec) (Provisioner, error) {
	stanza := spec.Provisioner()

	reg, ok := f.registrations.Load(stanza.Name)
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\" (kernel spec \"%s\")", ErrProvisionerNotAvailable, stanza.Name, spec.Name)
	}

	p, err := reg.constructor(kernelId, stanza.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioner \"%s\" for kernel %s: %w", stanza.Name, kernelId, err)
	}

	f.log.Debug("Kernel %s will be provisioned by \"%s\" (%s).", kernelId, stanza.Name, p.Kind())
	return p, nil
}
