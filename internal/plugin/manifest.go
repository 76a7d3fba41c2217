package plugin

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/kaptinlin/jsonschema"

	"toolhost/internal/domain"
)

//go:embed schema/manifest.schema.json
var manifestSchemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// manifestSchema compiles the embedded schema once per process.
func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, schemaErr = compiler.Compile(manifestSchemaJSON)
	})
	return compiledSchema, schemaErr
}

type rawManifest struct {
	ID          string              `json:"id"`
	Version     string              `json:"version"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Permissions []string            `json:"permissions"`
	Protocol    string              `json:"protocol"`
	Runtime     json.RawMessage     `json:"runtime"`
	Window      *domain.WindowHints `json:"window"`
	Start       string              `json:"start"`
	Port        int                 `json:"port"`
}

type rawRuntime struct {
	Type         domain.RuntimeType `json:"type"`
	UI           *domain.UIConfig   `json:"ui"`
	Backend      json.RawMessage    `json:"backend"`
	Kind         string             `json:"kind"`
	Command      string             `json:"command"`
	Entry        string             `json:"entry"`
	Args         []string           `json:"args"`
	Env          map[string]string  `json:"env"`
	Requirements string             `json:"requirements"`
	Port         int                `json:"port"`
	Ready        domain.ReadyMode   `json:"ready"`
}

// ParseManifest validates raw manifest bytes against the embedded schema and
// decodes them into a typed Manifest with defaults applied. dirName is used as
// the id when the manifest does not declare one.
func ParseManifest(data []byte, dirName string) (domain.Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Manifest{}, invalid("malformed JSON: %v", err)
	}
	schema, err := manifestSchema()
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("compile manifest schema: %w", err)
	}
	if result := schema.Validate(doc); !result.IsValid() {
		return domain.Manifest{}, invalid("%s", result.Error())
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Manifest{}, invalid("decode: %v", err)
	}

	m := domain.Manifest{
		ID:          strings.TrimSpace(raw.ID),
		Version:     raw.Version,
		Name:        raw.Name,
		Description: raw.Description,
		Permissions: raw.Permissions,
		Protocol:    raw.Protocol,
		Window:      raw.Window,
		Start:       raw.Start,
		Port:        raw.Port,
	}
	if m.ID == "" {
		m.ID = dirName
	}
	if m.ID == "" {
		return domain.Manifest{}, invalid("id is empty and no directory name to fall back on")
	}
	if m.Permissions == nil {
		m.Permissions = []string{}
	}
	if m.Protocol == "" {
		m.Protocol = domain.DefaultProtocolRange
	}

	switch {
	case len(raw.Runtime) > 0 && string(raw.Runtime) != "null":
		rt, err := decodeRuntime(raw.Runtime)
		if err != nil {
			return domain.Manifest{}, err
		}
		m.Runtime = rt
	case m.Start != "" || m.Port != 0:
		rt, err := InferRuntime(m.Start, m.Port)
		if err != nil {
			return domain.Manifest{}, err
		}
		m.Runtime = rt
	default:
		m.Runtime = domain.WebviewRuntime{UI: domain.UIConfig{Entry: domain.DefaultUIEntry}}
	}
	return m, nil
}

func decodeRuntime(data json.RawMessage) (domain.RuntimeConfig, error) {
	var rr rawRuntime
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, invalid("runtime: %v", err)
	}

	switch rr.Type {
	case domain.RuntimeWebview:
		if rr.UI == nil || rr.UI.Entry == "" {
			return nil, invalid("webview runtime requires ui.entry")
		}
		wr := domain.WebviewRuntime{UI: *rr.UI}
		if len(rr.Backend) > 0 && string(rr.Backend) != "null" {
			var bc domain.BackendConfig
			if err := json.Unmarshal(rr.Backend, &bc); err != nil {
				return nil, invalid("webview backend must be an object: %v", err)
			}
			if bc.Ready == "" {
				bc.Ready = domain.ReadyHandshake
			}
			if bc.Ready == domain.ReadyPort && bc.Port == 0 {
				return nil, invalid("backend ready=port requires a port")
			}
			wr.Backend = &bc
		}
		return wr, nil

	case domain.RuntimeStandalone:
		if rr.Entry == "" && rr.Command == "" {
			return nil, invalid("standalone runtime requires entry or command")
		}
		sr := domain.StandaloneRuntime{
			Kind:         domain.StandaloneKind(rr.Kind),
			Command:      rr.Command,
			Entry:        rr.Entry,
			Args:         rr.Args,
			Env:          rr.Env,
			Requirements: rr.Requirements,
			Port:         rr.Port,
			Ready:        rr.Ready,
		}
		if len(rr.Backend) > 0 {
			var bt domain.BackendType
			if err := json.Unmarshal(rr.Backend, &bt); err != nil {
				return nil, invalid("standalone backend must be a type name: %v", err)
			}
			sr.Backend = bt
		}
		if sr.Backend == "" {
			sr.Backend = backendTypeForEntry(rr.Command, rr.Entry)
		}
		if sr.Kind == "" {
			sr.Kind = domain.StandaloneGUI
			if sr.Port != 0 {
				sr.Kind = domain.StandaloneHTTPService
			}
		}
		return sr, nil

	default:
		return nil, invalid("unknown runtime type %q", rr.Type)
	}
}

// backendTypeForEntry guesses a backend type from an explicit command or the
// entry file extension.
func backendTypeForEntry(command, entry string) domain.BackendType {
	if command != "" {
		return backendTypeForCommand(command)
	}
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".py":
		return domain.BackendPython
	case ".js", ".mjs", ".cjs":
		return domain.BackendNode
	case ".wasm":
		return domain.BackendWASM
	default:
		return domain.BackendBinary
	}
}

// CheckProtocol reports whether a plugin's protocol range accepts the host
// protocol version. Caret ranges compare the major version only; any other
// constraint is evaluated as a semver constraint.
func CheckProtocol(hostVersion, constraint string) error {
	host, err := semver.NewVersion(strings.TrimPrefix(hostVersion, "v"))
	if err != nil {
		return fmt.Errorf("host protocol %q: %w", hostVersion, err)
	}

	c := strings.TrimSpace(constraint)
	if strings.HasPrefix(c, "^") {
		want, err := semver.NewVersion(strings.TrimPrefix(c[1:], "v"))
		if err != nil {
			return domain.NewSubSystemError("registry", "CheckProtocol", domain.ErrValidation,
				fmt.Sprintf("protocol %q: %v", constraint, err))
		}
		if want.Major() != host.Major() {
			return domain.NewDomainError("CheckProtocol", domain.ErrProtocolIncompatible,
				fmt.Sprintf("requires %s, host speaks %s", constraint, host))
		}
		return nil
	}

	cons, err := semver.NewConstraint(c)
	if err != nil {
		return domain.NewSubSystemError("registry", "CheckProtocol", domain.ErrValidation,
			fmt.Sprintf("protocol %q: %v", constraint, err))
	}
	if !cons.Check(host) {
		return domain.NewDomainError("CheckProtocol", domain.ErrProtocolIncompatible,
			fmt.Sprintf("requires %s, host speaks %s", constraint, host))
	}
	return nil
}

func invalid(format string, args ...any) error {
	return domain.NewSubSystemError("registry", "ParseManifest", domain.ErrValidation, fmt.Sprintf(format, args...))
}
