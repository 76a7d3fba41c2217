package domain

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultProtocolRange is applied to manifests that do not declare a protocol.
const DefaultProtocolRange = "^2.0.0"

// ManifestFile is the file name the registry looks for in plugin directories.
const ManifestFile = "manifest.json"

// DefaultUIEntry is the UI entry of a manifest that declares neither a
// runtime nor start/port: a pure front-end webview plugin.
const DefaultUIEntry = "index.html"

// PluginStatus is the lifecycle state of a plugin.
type PluginStatus string

const (
	PluginStatusStopped PluginStatus = "stopped"
	PluginStatusLoading PluginStatus = "loading"
	PluginStatusRunning PluginStatus = "running"
	PluginStatusError   PluginStatus = "error"
)

// PluginMode describes how a plugin is presented.
type PluginMode string

const (
	PluginModeWebview    PluginMode = "webview"
	PluginModeStandalone PluginMode = "standalone"
)

// PluginSource records where a plugin was discovered. Higher precedence wins
// when the same id is found in more than one place.
type PluginSource int

const (
	SourceInstalled PluginSource = iota
	SourceUser
	SourceDev
)

func (s PluginSource) String() string {
	switch s {
	case SourceDev:
		return "dev"
	case SourceUser:
		return "user"
	default:
		return "installed"
	}
}

// BackendType selects how a backend entry point is launched.
type BackendType string

const (
	BackendPython BackendType = "python"
	BackendNode   BackendType = "node"
	BackendBinary BackendType = "binary"
	BackendWASM   BackendType = "wasm"
)

// ReadyMode tells the supervisor how to decide a backend is ready.
type ReadyMode string

const (
	ReadyHandshake ReadyMode = "handshake" // wait for $ready on stdout
	ReadyPort      ReadyMode = "port"      // wait for a TCP listener on Port
	ReadyNone      ReadyMode = "none"      // running as soon as spawned
)

// BackendConfig describes a backend entry point relative to the plugin root.
type BackendConfig struct {
	Type    BackendType       `json:"type"`
	Entry   string            `json:"entry"`
	Command string            `json:"command,omitempty"` // explicit program, e.g. "npm"
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Ready   ReadyMode         `json:"ready,omitempty"`
	Port    int               `json:"port,omitempty"`
}

// RuntimeType discriminates the RuntimeConfig union.
type RuntimeType string

const (
	RuntimeWebview    RuntimeType = "webview"
	RuntimeStandalone RuntimeType = "standalone"
)

// StandaloneKind refines standalone runtimes produced by manifest inference.
type StandaloneKind string

const (
	StandaloneGUI         StandaloneKind = "gui"
	StandaloneHTTPService StandaloneKind = "http-service"
	StandaloneCLI         StandaloneKind = "cli"
)

// RuntimeConfig is a tagged union: WebviewRuntime or StandaloneRuntime.
type RuntimeConfig interface {
	RuntimeType() RuntimeType
	// BackendSpec returns the backend to spawn, or nil for pure front-end plugins.
	BackendSpec() *BackendConfig
}

// UIConfig points at the front-end entry of a webview plugin.
type UIConfig struct {
	Entry string `json:"entry"`
}

// WebviewRuntime renders UI in a host webview with an optional backend.
type WebviewRuntime struct {
	UI      UIConfig       `json:"ui"`
	Backend *BackendConfig `json:"backend,omitempty"`
}

func (WebviewRuntime) RuntimeType() RuntimeType { return RuntimeWebview }

func (w WebviewRuntime) BackendSpec() *BackendConfig { return w.Backend }

// StandaloneRuntime runs a program that owns its own window or service.
type StandaloneRuntime struct {
	Kind         StandaloneKind    `json:"kind,omitempty"`
	Backend      BackendType       `json:"backend"`
	Command      string            `json:"command,omitempty"`
	Entry        string            `json:"entry"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Requirements string            `json:"requirements,omitempty"`
	Port         int               `json:"port,omitempty"`
	Ready        ReadyMode         `json:"ready,omitempty"` // overrides the Kind default
}

func (StandaloneRuntime) RuntimeType() RuntimeType { return RuntimeStandalone }

func (s StandaloneRuntime) BackendSpec() *BackendConfig {
	bc := &BackendConfig{
		Type:    s.Backend,
		Entry:   s.Entry,
		Command: s.Command,
		Args:    s.Args,
		Env:     s.Env,
		Ready:   ReadyHandshake,
	}
	switch {
	case s.Ready != "":
		bc.Ready = s.Ready
	case s.Kind == StandaloneHTTPService:
		bc.Ready = ReadyPort
	case s.Kind == StandaloneCLI:
		bc.Ready = ReadyNone
	}
	if bc.Ready == ReadyPort {
		bc.Port = s.Port
	}
	return bc
}

// WindowHints are sizing hints for the UI shell.
type WindowHints struct {
	Width     int   `json:"width,omitempty"`
	Height    int   `json:"height,omitempty"`
	MinWidth  int   `json:"minWidth,omitempty"`
	MinHeight int   `json:"minHeight,omitempty"`
	Resizable *bool `json:"resizable,omitempty"`
}

// Manifest is the validated, strongly typed form of manifest.json.
type Manifest struct {
	ID          string        `json:"id"`
	Version     string        `json:"version"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Permissions []string      `json:"permissions"`
	Protocol    string        `json:"protocol"`
	Runtime     RuntimeConfig `json:"-"`
	Window      *WindowHints  `json:"window,omitempty"`
	Start       string        `json:"start,omitempty"`
	Port        int           `json:"port,omitempty"`
}

// Mode derives the presentation mode from the runtime config.
func (m Manifest) Mode() PluginMode {
	if m.Runtime != nil && m.Runtime.RuntimeType() == RuntimeStandalone {
		return PluginModeStandalone
	}
	return PluginModeWebview
}

// HasPermission reports whether the manifest declares perm.
func (m Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// PluginRecord is the registry's view of a discovered plugin.
type PluginRecord struct {
	ID        string       `json:"id"`
	Manifest  Manifest     `json:"manifest"`
	Path      string       `json:"path"`
	Status    PluginStatus `json:"status"`
	Mode      PluginMode   `json:"mode"`
	IsDev     bool         `json:"isDev"`
	Source    PluginSource `json:"source"`
	LastError string       `json:"lastError,omitempty"`
}

// PluginStatusChange is the payload of EventPluginStatus.
type PluginStatusChange struct {
	PluginID string       `json:"pluginId"`
	Status   PluginStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// PluginLease is one start reference on a plugin session. A lease is bound
// to the session it was taken on: once that session has ended, Release is a
// no-op and Active reports false.
type PluginLease interface {
	Release()
	Active() bool
}

// PluginLookup is the read side of the manifest registry.
type PluginLookup interface {
	GetByID(id string) (*PluginRecord, bool)
	GetAll() []PluginRecord
}

// StatusWriter is the single mutation point for PluginRecord.Status.
type StatusWriter interface {
	UpdateStatus(id string, status PluginStatus, lastErr string) error
}

// BackendHandle identifies a spawned backend.
type BackendHandle struct {
	PluginID  string      `json:"pluginId"`
	ChannelID string      `json:"channelId"`
	PID       int         `json:"pid"`
	Type      BackendType `json:"type"`
}

// ReadyInfo is the payload of a backend's $ready message.
type ReadyInfo struct {
	Version string   `json:"version"`
	Methods []string `json:"methods"`
}

// ChannelMessage is an unsolicited message delivered to channel listeners.
// Kind is one of "$ready", "$event", "$log", "exit", "error".
type ChannelMessage struct {
	ChannelID string          `json:"channelId"`
	PluginID  string          `json:"pluginId"`
	Kind      string          `json:"kind"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Ready     *ReadyInfo      `json:"ready,omitempty"`
}

// Backends is the supervisor surface used by the lifecycle controller and the
// backend capability.
type Backends interface {
	Register(ctx context.Context, pluginID, rootPath string, cfg BackendConfig) (*BackendHandle, error)
	WaitForReady(ctx context.Context, channelID string, timeout time.Duration) (*ReadyInfo, error)
	Call(ctx context.Context, channelID, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(channelID, method string, params any) error
	Subscribe(channelID string, handler func(ChannelMessage)) (func(), error)
	Dispose(ctx context.Context, channelID string) error
}

// MarshalJSON emits the runtime union together with its type discriminator.
func (m Manifest) MarshalJSON() ([]byte, error) {
	type alias Manifest
	out := struct {
		alias
		Runtime any `json:"runtime,omitempty"`
	}{alias: alias(m)}
	switch rt := m.Runtime.(type) {
	case WebviewRuntime:
		out.Runtime = struct {
			Type RuntimeType `json:"type"`
			WebviewRuntime
		}{RuntimeWebview, rt}
	case StandaloneRuntime:
		out.Runtime = struct {
			Type RuntimeType `json:"type"`
			StandaloneRuntime
		}{RuntimeStandalone, rt}
	}
	return json.Marshal(out)
}
