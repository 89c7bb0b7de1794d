package kernelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/scusemua/kernel-manager/common/jupyter"
	"github.com/scusemua/kernel-manager/common/utils"
)

const (
	InterruptModeSignal  = "signal"
	InterruptModeMessage = "message"

	// DefaultProvisionerEnv names the environment variable that overrides the provisioner used by kernel specs
	// that do not declare one.
	DefaultProvisionerEnv  = "JUPYTER_DEFAULT_PROVISIONER_NAME"
	DefaultProvisionerName = "local-provisioner"

	ConnectionFilePlaceholder = "connection_file"
	ResourceDirPlaceholder    = "resource_dir"

	provisionerMetadataKey = "kernel_provisioner"
)

var (
	envReferencePattern  = regexp.MustCompile(`\$(?:\$|\{([A-Za-z_][A-Za-z0-9_]*)\}|([A-Za-z_][A-Za-z0-9_]*))`)
	argvVariablePattern  = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
	pythonExecutableVars = []string{"PYTHONEXECUTABLE"}
)

// ProvisionerConfig is the "kernel_provisioner" stanza of a kernel spec's metadata.
type ProvisionerConfig struct {
	Name   string                 `json:"provisioner_name"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// KernelSpec describes how to launch a kernel. It is the decoded form of a kernel.json file.
//
// KernelSpecs handed out by a Resolver are copies; callers may modify them.
type KernelSpec struct {
	Name          string                 `json:"-"`
	ResourceDir   string                 `json:"-"`
	Argv          []string               `json:"argv"`
	DisplayName   string                 `json:"display_name"`
	Language      string                 `json:"language"`
	InterruptMode string                 `json:"interrupt_mode,omitempty"`
	Env           map[string]string      `json:"env,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Load decodes a kernel.json document.
func Load(name string, resourceDir string, content []byte) (*KernelSpec, error) {
	spec := &KernelSpec{}
	if err := json.Unmarshal(content, spec); err != nil {
		return nil, fmt.Errorf("invalid kernel spec \"%s\": %w", name, err)
	}

	spec.Name = name
	spec.ResourceDir = resourceDir
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return spec, nil
}

// Validate returns an error if the spec cannot be used to launch a kernel.
func (s *KernelSpec) Validate() error {
	if len(s.Argv) == 0 {
		return fmt.Errorf("invalid kernel spec \"%s\": empty argv", s.Name)
	}

	switch s.InterruptMode {
	case "", InterruptModeSignal, InterruptModeMessage:
	default:
		return fmt.Errorf("invalid kernel spec \"%s\": unknown interrupt mode \"%s\"", s.Name, s.InterruptMode)
	}

	return nil
}

// UsesMessageInterrupt returns true if the kernel expects interrupt_request messages on its control channel
// instead of SIGINT.
func (s *KernelSpec) UsesMessageInterrupt() bool {
	return s.InterruptMode == InterruptModeMessage
}

// Provisioner returns the provisioner declared by the spec's metadata, falling back to the default provisioner.
func (s *KernelSpec) Provisioner() ProvisionerConfig {
	cfg := ProvisionerConfig{}

	if raw, ok := s.Metadata[provisionerMetadataKey]; ok {
		// The stanza comes from arbitrary JSON, so round-trip it into the typed form.
		if encoded, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(encoded, &cfg)
		}
	}

	if cfg.Name == "" {
		cfg.Name = utils.GetEnv(DefaultProvisionerEnv, DefaultProvisionerName)
	}

	if cfg.Config == nil {
		cfg.Config = map[string]interface{}{}
	}

	return cfg
}

// Clone returns a deep copy of the spec.
func (s *KernelSpec) Clone() *KernelSpec {
	clone := *s
	clone.Argv = append([]string(nil), s.Argv...)

	if s.Env != nil {
		clone.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			clone.Env[k] = v
		}
	}

	if s.Metadata != nil {
		// Metadata is plain JSON; a JSON round-trip is the simplest deep copy.
		encoded, _ := json.Marshal(s.Metadata)
		clone.Metadata = map[string]interface{}{}
		_ = json.Unmarshal(encoded, &clone.Metadata)
	}

	return &clone
}

// FormatArgv substitutes "{name}" placeholders in the spec's argv.
//
// {connection_file} and {resource_dir} are always available. Unknown placeholders are left untouched.
func (s *KernelSpec) FormatArgv(connectionFile string, extraVars map[string]string, extraArguments ...string) []string {
	vars := map[string]string{
		ConnectionFilePlaceholder: connectionFile,
		ResourceDirPlaceholder:    s.ResourceDir,
	}
	for k, v := range extraVars {
		vars[k] = v
	}

	argv := make([]string, 0, len(s.Argv)+len(extraArguments))
	for _, arg := range s.Argv {
		argv = append(argv, argvVariablePattern.ReplaceAllStringFunc(arg, func(match string) string {
			if v, ok := vars[match[1:len(match)-1]]; ok {
				return v
			}
			return match
		}))
	}

	return append(argv, extraArguments...)
}

// LaunchEnv builds the environment of a kernel process.
//
// The result is base, then the spec's env with "$VAR" / "${VAR}" references substituted from base and overrides,
// then overrides. References to unknown variables are left untouched. PYTHONEXECUTABLE is removed for python kernels.
func (s *KernelSpec) LaunchEnv(base map[string]string, overrides map[string]string) map[string]string {
	values := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		values[k] = v
	}
	for k, v := range overrides {
		values[k] = v
	}

	env := make(map[string]string, len(values)+len(s.Env))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range s.Env {
		env[k] = SubstituteEnv(v, values)
	}
	for k, v := range overrides {
		env[k] = v
	}

	if strings.HasPrefix(strings.ToLower(s.Language), "python") {
		for _, name := range pythonExecutableVars {
			delete(env, name)
		}
	}

	return env
}

// SubstituteEnv replaces "$VAR" and "${VAR}" references in value with entries of values.
// Unknown references are kept verbatim and "$$" is an escaped "$".
func SubstituteEnv(value string, values map[string]string) string {
	return envReferencePattern.ReplaceAllStringFunc(value, func(match string) string {
		if match == "$$" {
			return "$"
		}

		sub := envReferencePattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}

		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

// OSEnv returns the current process environment as a map.
func OSEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// EnvList converts an environment map to the "KEY=value" form used by os/exec.
func EnvList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

// Resolver looks up kernel specs by kernel name.
type Resolver interface {
	// Resolve returns a copy of the named kernel spec, or an error wrapping jupyter.ErrNoSuchKernel.
	Resolve(name string) (*KernelSpec, error)
}

func noSuchKernel(name string) error {
	return fmt.Errorf("%w: \"%s\"", jupyter.ErrNoSuchKernel, name)
}
