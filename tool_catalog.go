package llmstream

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/tools/builtin.yaml
var builtinToolsYAML []byte

// toolCatalogFile is the on-disk shape of a tool catalog.
type toolCatalogFile struct {
	Version string           `yaml:"version"`
	Tools   []ToolDescriptor `yaml:"tools"`
}

// ToolCatalog holds the tool descriptors a turn may resolve tool calls against.
// It is safe for concurrent use; turns share one catalog and only read from it.
type ToolCatalog struct {
	mu      sync.RWMutex
	tools   map[string]ToolDescriptor
	aliases map[string]string // alias -> canonical name
}

// NewToolCatalog creates a catalog from the given descriptors.
func NewToolCatalog(descriptors ...ToolDescriptor) (*ToolCatalog, error) {
	c := &ToolCatalog{
		tools:   make(map[string]ToolDescriptor),
		aliases: make(map[string]string),
	}
	for _, d := range descriptors {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewDefaultToolCatalog returns a catalog preloaded with the embedded built-in tools.
func NewDefaultToolCatalog() (*ToolCatalog, error) {
	c, _ := NewToolCatalog()
	if err := c.LoadYAML(builtinToolsYAML); err != nil {
		return nil, fmt.Errorf("failed to load embedded tools: %w", err)
	}
	return c, nil
}

// Register adds or replaces a descriptor.
func (c *ToolCatalog) Register(d ToolDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools[d.Name] = d
	for _, alias := range d.Aliases {
		c.aliases[alias] = d.Name
	}
	return nil
}

// LoadYAML parses a catalog document and registers every tool in it.
func (c *ToolCatalog) LoadYAML(data []byte) error {
	var file toolCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse tool catalog: %w", err)
	}
	for i, d := range file.Tools {
		if err := c.Register(d); err != nil {
			return fmt.Errorf("tool %d: %w", i, err)
		}
	}
	return nil
}

// LoadFile layers a YAML catalog file on top of the current descriptors.
func (c *ToolCatalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tool catalog %s: %w", path, err)
	}
	return c.LoadYAML(data)
}

// Lookup finds a descriptor by name or alias.
func (c *ToolCatalog) Lookup(name string) (ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if d, ok := c.tools[name]; ok {
		return d, true
	}
	if canonical, ok := c.aliases[name]; ok {
		d, ok := c.tools[canonical]
		return d, ok
	}
	return ToolDescriptor{}, false
}

// Classify resolves the execution kind of a tool call.
// Provider-executed calls and builtin_ names never need a descriptor; anything
// else must be in the catalog or ErrUnknownTool is returned.
func (c *ToolCatalog) Classify(name string, providerExecuted bool) (ToolKind, error) {
	if providerExecuted {
		return ToolKindProvider, nil
	}
	if strings.HasPrefix(name, BuiltinToolPrefix) {
		return ToolKindBuiltin, nil
	}
	if c != nil {
		if d, ok := c.Lookup(name); ok {
			return d.Kind(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// List returns all descriptors sorted by name.
func (c *ToolCatalog) List() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
