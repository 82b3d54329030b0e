package llmstream

import (
	"errors"
	"fmt"
	"strings"
)

// BuiltinToolPrefix marks tools implemented by the host application itself.
const BuiltinToolPrefix = "builtin_"

// ToolKind classifies who executes a tool call.
type ToolKind string

const (
	ToolKindBuiltin  ToolKind = "builtin"  // Host application runs it (name prefix or catalog flag)
	ToolKindProvider ToolKind = "provider" // Provider runs it server-side and streams the result
	ToolKindClient   ToolKind = "client"   // Consumer runs it from a catalog descriptor
)

// ExecutionSide indicates where tool execution happens
type ExecutionSide string

const (
	ExecutionSideServer ExecutionSide = "server" // Provider executes tool
	ExecutionSideClient ExecutionSide = "client" // Consumer executes tool
)

// ToolChoiceMode controls tool selection behavior
type ToolChoiceMode string

const (
	ToolChoiceModeAuto     ToolChoiceMode = "auto"     // Model decides whether to use tools
	ToolChoiceModeRequired ToolChoiceMode = "required" // Model must use a tool
	ToolChoiceModeNone     ToolChoiceMode = "none"     // Model cannot use tools
	ToolChoiceModeSpecific ToolChoiceMode = "specific" // Model must use specific tool
)

// ToolDescriptor is an externally-known tool the model may call.
type ToolDescriptor struct {
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description,omitempty"`
	BuiltIn       bool           `yaml:"builtin" json:"builtin,omitempty"`
	ExecutionSide ExecutionSide  `yaml:"execution_side" json:"execution_side"`
	Aliases       []string       `yaml:"aliases" json:"aliases,omitempty"`
	Parameters    map[string]any `yaml:"parameters" json:"parameters,omitempty"` // JSON schema, type "object"
}

// Kind returns how calls to this tool are executed.
func (d ToolDescriptor) Kind() ToolKind {
	switch {
	case d.BuiltIn || strings.HasPrefix(d.Name, BuiltinToolPrefix):
		return ToolKindBuiltin
	case d.ExecutionSide == ExecutionSideServer:
		return ToolKindProvider
	default:
		return ToolKindClient
	}
}

// Validate checks if the descriptor is properly configured
func (d *ToolDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}

	switch d.ExecutionSide {
	case ExecutionSideServer, ExecutionSideClient:
	case "":
		d.ExecutionSide = ExecutionSideClient
	default:
		return fmt.Errorf("tool %s: invalid execution_side %q", d.Name, d.ExecutionSide)
	}

	if d.Parameters != nil {
		if schemaType, ok := d.Parameters["type"].(string); !ok || schemaType != "object" {
			return fmt.Errorf("tool %s: parameters must be a JSON schema with type 'object'", d.Name)
		}
	}

	return nil
}

// ToolChoice specifies tool selection behavior
type ToolChoice struct {
	Mode     ToolChoiceMode // Selection mode
	ToolName *string        // Required when Mode is ToolChoiceModeSpecific
}

// Validate checks if the ToolChoice is properly configured
func (tc *ToolChoice) Validate() error {
	switch tc.Mode {
	case ToolChoiceModeAuto, ToolChoiceModeRequired, ToolChoiceModeNone:
		return nil
	case ToolChoiceModeSpecific:
		if tc.ToolName == nil || *tc.ToolName == "" {
			return errors.New("tool_name is required when mode is 'specific'")
		}
		return nil
	default:
		return fmt.Errorf("invalid tool choice mode: %s", tc.Mode)
	}
}
