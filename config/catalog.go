// Package config loads the three declarative catalogs the orchestrator
// reads once at process startup: agents, workflow templates, and the tool
// permission grants binding them together. Catalogs are immutable for the
// process lifetime (no hot reload) per the "state-machine-as-data" design
// note: making the catalog data instead of code is what lets the
// Orchestrator's transition table be built once and tested via fixtures
// that substitute it. YAML parsing is grounded on the flexigpt-agentskills
// pack's frontmatter loader (internal/skill/skillmd.go), which reaches for
// gopkg.in/yaml.v3 rather than hand-rolling a parser.
package config

import (
	"fmt"
	"os"

	"github.com/n0iac/agentcore/core"
	"gopkg.in/yaml.v3"
)

// Catalog is the full set of agents and workflows available to the
// Orchestrator for the life of the process.
type Catalog struct {
	Agents    map[string]core.AgentSpec
	Workflows map[string]core.WorkflowTemplate
}

// rawAgentSpec mirrors core.AgentSpec with yaml tags; core itself stays
// free of a yaml dependency since only this loader needs one.
type rawAgentSpec struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	SystemPrompt   string   `yaml:"system_prompt"`
	ModelRef       string   `yaml:"model_ref"`
	PermittedTools []string `yaml:"permitted_tools"`
	PermittedPeers []string `yaml:"permitted_peers"`
	MaxModelCalls  int      `yaml:"max_model_calls"`
}

type rawWorkflowStep struct {
	TitleTemplate string            `yaml:"title_template"`
	AgentName     string            `yaml:"agent_name"`
	InputMapping  map[string]string `yaml:"input_mapping"`
}

type rawWorkflow struct {
	Name  string            `yaml:"name"`
	Steps []rawWorkflowStep `yaml:"steps"`
}

type rawCatalog struct {
	Agents    []rawAgentSpec `yaml:"agents"`
	Workflows []rawWorkflow  `yaml:"workflows"`
}

// Load reads a YAML catalog file and validates that every workflow step's
// agent_name resolves to a declared agent, and every agent's
// permitted_peers names another declared agent.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Catalog from raw YAML bytes, as used by Load and by tests
// that want an in-memory fixture without touching the filesystem.
func Parse(data []byte) (*Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse catalog: %v", core.ErrValidation, err)
	}

	cat := &Catalog{
		Agents:    make(map[string]core.AgentSpec, len(raw.Agents)),
		Workflows: make(map[string]core.WorkflowTemplate, len(raw.Workflows)),
	}

	for _, a := range raw.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: agent entry missing name", core.ErrValidation)
		}
		cat.Agents[a.Name] = core.AgentSpec{
			Name:           a.Name,
			Description:    a.Description,
			SystemPrompt:   a.SystemPrompt,
			ModelRef:       a.ModelRef,
			PermittedTools: a.PermittedTools,
			PermittedPeers: a.PermittedPeers,
			MaxModelCalls:  a.MaxModelCalls,
		}
	}

	for _, w := range raw.Workflows {
		if w.Name == "" {
			return nil, fmt.Errorf("%w: workflow entry missing name", core.ErrValidation)
		}
		steps := make([]core.WorkflowStepTemplate, 0, len(w.Steps))
		for _, s := range w.Steps {
			steps = append(steps, core.WorkflowStepTemplate{
				TitleTemplate: s.TitleTemplate,
				AgentName:     s.AgentName,
				InputMapping:  s.InputMapping,
			})
		}
		cat.Workflows[w.Name] = core.WorkflowTemplate{Name: w.Name, Steps: steps}
	}

	if err := cat.validate(); err != nil {
		return nil, err
	}

	return cat, nil
}

func (c *Catalog) validate() error {
	for _, agent := range c.Agents {
		for _, peer := range agent.PermittedPeers {
			if _, ok := c.Agents[peer]; !ok {
				return fmt.Errorf("%w: agent %q permits delegation to undeclared peer %q", core.ErrValidation, agent.Name, peer)
			}
		}
	}
	for _, wf := range c.Workflows {
		for _, step := range wf.Steps {
			if _, ok := c.Agents[step.AgentName]; !ok {
				return fmt.Errorf("%w: workflow %q step references undeclared agent %q", core.ErrValidation, wf.Name, step.AgentName)
			}
		}
	}
	return nil
}

// Peers returns the PeerDescriptor roster for the given permitted peer
// names, in the no-transitive-exposure shape the ContextAssembler attaches
// to a bundle (names and one-line descriptions only).
func (c *Catalog) Peers(permittedPeers []string) []PeerDescriptor {
	out := make([]PeerDescriptor, 0, len(permittedPeers))
	for _, name := range permittedPeers {
		if spec, ok := c.Agents[name]; ok {
			out = append(out, PeerDescriptor{Name: spec.Name, Description: spec.Description})
		}
	}
	return out
}

// PeerDescriptor mirrors contextassembler.PeerDescriptor so config does not
// need to import contextassembler just to build one.
type PeerDescriptor struct {
	Name        string
	Description string
}
