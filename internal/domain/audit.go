package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditCapabilityDenied AuditEventType = "capability_denied"
	AuditAccessDenied     AuditEventType = "access_denied"
	AuditShellExec        AuditEventType = "shell_exec"
	AuditBackendStart     AuditEventType = "backend_start"
	AuditPluginInstall    AuditEventType = "plugin_install"
	AuditPluginUninstall  AuditEventType = "plugin_uninstall"
	AuditGatewayAuth      AuditEventType = "gateway_auth"
)

// AuditEvent is one auditable action taken by or on behalf of a plugin.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	PluginID  string            `json:"pluginId,omitempty"`
	Action    string            `json:"action,omitempty"` // e.g. "fs.writeFile"
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
