package commands

import (
	"log/slog"

	"github.com/dohr-michael/ozzie-gateway/internal/engineadapter"
	"github.com/dohr-michael/ozzie-gateway/internal/eventlog"
	"github.com/dohr-michael/ozzie-gateway/internal/gateway"
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/secretsvault"
	"github.com/dohr-michael/ozzie-gateway/internal/sessions"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// registerBuiltinEngines discovers one CLIAdapter entry per engine id the
// workspace references (its default engine plus every key under
// plugin_configs), since this repo bundles no concrete engine product —
// every engine is the same generic config-driven adapter under a
// different id.
func registerBuiltinEngines(registry *pluginregistry.Registry, ws *workspace.Workspace, vault *secretsvault.Vault) {
	seen := make(map[string]bool)
	cfg := ws.Config()
	if cfg.DefaultEngine != "" {
		seen[cfg.DefaultEngine] = true
	}
	for name := range cfg.PluginConfigs {
		seen[name] = true
	}

	for name := range seen {
		id := name
		registry.RegisterEngine(id, func() (engineadapter.Adapter, error) {
			return engineadapter.NewCLIAdapter(ids.EngineId(id), id, "", vault), nil
		})
	}
}

// registerBuiltinTransport registers the stdin/stdout "cli" transport — the
// one built-in transport backend, for local use without a real chat
// platform. A workspace wanting a real platform wires its own transport
// plugin against the same pluginregistry.TransportBackend contract.
func registerBuiltinTransport(
	registry *pluginregistry.Registry,
	ws *workspace.Workspace,
	bus *gateway.Bus,
	evLog *eventlog.Log,
	sessionStore sessions.Store,
	logger *slog.Logger,
) {
	registry.RegisterTransport("cli", func() (pluginregistry.TransportBackend, error) {
		return newCLITransportBackend(ws, registry, bus, evLog, sessionStore, logger), nil
	})
}
