// Package host loads external embedding plugins as go-plugin processes.
package host

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/spetr/mcp-bslindex/pkg/plugin/shared"
)

// Manager manages external plugins.
type Manager struct {
	pluginsDir string
	plugins    map[string]*LoadedPlugin
	mu         sync.RWMutex
	logger     hclog.Logger
}

// LoadedPlugin is a running plugin process.
type LoadedPlugin struct {
	Name      string
	Path      string
	Client    *plugin.Client
	Embedding shared.EmbeddingProvider
}

// NewManager creates a plugin manager for executables in pluginsDir.
func NewManager(pluginsDir string) *Manager {
	return &Manager{
		pluginsDir: pluginsDir,
		plugins:    make(map[string]*LoadedPlugin),
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugins",
			Level:  hclog.Warn,
			Output: os.Stderr,
		}),
	}
}

// DiscoverPlugins lists executables in the plugins directory.
func (m *Manager) DiscoverPlugins() ([]string, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode()&0111 != 0 {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// LoadEmbedding starts the named plugin, or returns it if already running,
// and wraps it as an embedding provider.
func (m *Manager) LoadEmbedding(name string) (*EmbeddingAdapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.plugins[name]; ok {
		return NewEmbeddingAdapter(name, p.Embedding), nil
	}

	pluginPath := filepath.Join(m.pluginsDir, name)
	if _, err := os.Stat(pluginPath); err != nil {
		return nil, fmt.Errorf("plugin not found: %s", name)
	}

	slog.Info("loading plugin", "name", name, "path", pluginPath)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              exec.Command(pluginPath),
		Logger:           m.logger,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense(string(shared.PluginTypeEmbedding))
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}
	impl, ok := raw.(shared.EmbeddingProvider)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not implement EmbeddingProvider", name)
	}

	m.plugins[name] = &LoadedPlugin{
		Name:      name,
		Path:      pluginPath,
		Client:    client,
		Embedding: impl,
	}
	slog.Info("plugin loaded", "name", name)

	return NewEmbeddingAdapter(name, impl), nil
}

// UnloadAll stops every plugin process.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, p := range m.plugins {
		if err := p.Embedding.Close(); err != nil {
			slog.Debug("plugin close failed", "name", name, "error", err)
		}
		p.Client.Kill()
		slog.Debug("plugin unloaded", "name", name)
	}
	m.plugins = make(map[string]*LoadedPlugin)
}

// ListLoaded returns the names of running plugins.
func (m *Manager) ListLoaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
