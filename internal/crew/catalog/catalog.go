// Package catalog loads the crew definitions served by the API.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gigcrew/internal/crew"
	"gigcrew/internal/service/llm"
	"gigcrew/internal/service/tools"
)

//go:embed crews.yaml
var embedded []byte

var ErrUnknownCrew = errors.New("unknown crew")

type AgentSpec struct {
	Role      string   `yaml:"role"`
	Goal      string   `yaml:"goal"`
	Backstory string   `yaml:"backstory"`
	Tools     []string `yaml:"tools"`
	// OptionalTools are attached only when the registry provides them.
	OptionalTools   []string `yaml:"optional_tools"`
	AllowDelegation bool     `yaml:"allow_delegation"`
	Memory          bool     `yaml:"memory"`
	MaxSteps        int      `yaml:"max_steps"`
}

type TaskSpec struct {
	Name           string `yaml:"name"`
	Agent          string `yaml:"agent"`
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

type CrewSpec struct {
	Name      string            `yaml:"-"`
	Title     string            `yaml:"title"`
	Provider  string            `yaml:"provider"`
	Model     string            `yaml:"model"`
	Agents    []string          `yaml:"agents"`
	Tasks     []TaskSpec        `yaml:"tasks"`
	Defaults  map[string]string `yaml:"defaults"`
	Upload    bool              `yaml:"upload"`
	Paywalled bool              `yaml:"paywalled"`
}

// Catalog is a validated set of agent and crew definitions.
type Catalog struct {
	Agents map[string]AgentSpec `yaml:"agents"`
	Crews  map[string]CrewSpec  `yaml:"crews"`
}

// Load returns the built-in catalog.
func Load() (*Catalog, error) {
	return Parse(embedded)
}

// LoadFile reads a catalog from path, falling back to the built-in one when path is empty.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Load()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crews file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode crews: %w", err)
	}
	for name, spec := range c.Crews {
		spec.Name = name
		c.Crews[name] = spec
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Crews) == 0 {
		return errors.New("catalog defines no crews")
	}
	for name, a := range c.Agents {
		if strings.TrimSpace(a.Role) == "" {
			return fmt.Errorf("agent %s: role required", name)
		}
	}
	for name, spec := range c.Crews {
		if len(spec.Tasks) == 0 {
			return fmt.Errorf("crew %s: no tasks", name)
		}
		for _, a := range spec.Agents {
			if _, ok := c.Agents[a]; !ok {
				return fmt.Errorf("crew %s: unknown agent %q", name, a)
			}
		}
		for i, t := range spec.Tasks {
			if _, ok := c.Agents[t.Agent]; !ok {
				return fmt.Errorf("crew %s task %d: unknown agent %q", name, i, t.Agent)
			}
			if strings.TrimSpace(t.Description) == "" {
				return fmt.Errorf("crew %s task %d: description required", name, i)
			}
		}
	}
	return nil
}

// Names lists crew names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Crews))
	for name := range c.Crews {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Get(name string) (CrewSpec, error) {
	spec, ok := c.Crews[name]
	if !ok {
		return CrewSpec{}, fmt.Errorf("%w: %s", ErrUnknownCrew, name)
	}
	return spec, nil
}

// Inputs lists the placeholders the named crew needs at kickoff. No model is built.
func (c *Catalog) Inputs(name string) ([]string, error) {
	spec, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	skeleton := &crew.Crew{Name: name}
	for _, agentName := range c.agentNames(spec) {
		a := c.Agents[agentName]
		skeleton.Agents = append(skeleton.Agents, &crew.Agent{Name: agentName, Role: a.Role, Goal: a.Goal, Backstory: a.Backstory})
	}
	for _, t := range spec.Tasks {
		skeleton.Tasks = append(skeleton.Tasks, &crew.Task{Name: t.Name, Description: t.Description, ExpectedOutput: t.ExpectedOutput})
	}
	return skeleton.RequiredInputs(), nil
}

// MergeInputs overlays provided on the crew defaults. Blank values fall back to the default.
func (s CrewSpec) MergeInputs(provided map[string]string) map[string]string {
	merged := make(map[string]string, len(s.Defaults)+len(provided))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range provided {
		if strings.TrimSpace(v) == "" {
			continue
		}
		merged[k] = v
	}
	return merged
}

// ResolveProvider picks requested, then the crew's provider, then fallback.
func (s CrewSpec) ResolveProvider(requested, fallback string) string {
	for _, p := range []string{requested, s.Provider, fallback} {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			return p
		}
	}
	return ""
}

type BuildOptions struct {
	Provider string
	Model    string
	Source   llm.Source
	Registry *tools.Registry
	Logger   *zap.Logger
	// TaskCallback is forwarded to the crew.
	TaskCallback func(crew.TaskOutput)
}

// Build resolves the named crew's model and tools into a runnable crew.
// Every agent in the crew shares one chat model.
func (c *Catalog) Build(ctx context.Context, name string, opts BuildOptions) (*crew.Crew, error) {
	spec, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, errors.New("model source required")
	}
	if opts.Registry == nil {
		return nil, errors.New("tool registry required")
	}
	provider := spec.ResolveProvider(opts.Provider, "")
	modelName := opts.Model
	if modelName == "" && strings.EqualFold(provider, spec.Provider) {
		modelName = spec.Model
	}
	chatModel, err := opts.Source.ChatModel(ctx, provider, modelName)
	if err != nil {
		return nil, fmt.Errorf("crew %s: %w", name, err)
	}

	agents := make(map[string]*crew.Agent)
	out := &crew.Crew{
		Name:         name,
		Process:      crew.Sequential,
		TaskCallback: opts.TaskCallback,
		Logger:       opts.Logger,
	}
	for _, agentName := range c.agentNames(spec) {
		a := c.Agents[agentName]
		names := append([]string(nil), a.Tools...)
		for _, optional := range a.OptionalTools {
			if opts.Registry.Has(optional) {
				names = append(names, optional)
			}
		}
		agentTools, err := opts.Registry.Tools(names...)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentName, err)
		}
		built := &crew.Agent{
			Name:            agentName,
			Role:            a.Role,
			Goal:            a.Goal,
			Backstory:       a.Backstory,
			Tools:           agentTools,
			Model:           chatModel,
			AllowDelegation: a.AllowDelegation,
			Memory:          a.Memory,
			MaxSteps:        a.MaxSteps,
		}
		agents[agentName] = built
		out.Agents = append(out.Agents, built)
	}
	for _, t := range spec.Tasks {
		out.Tasks = append(out.Tasks, &crew.Task{
			Name:           t.Name,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			Agent:          agents[t.Agent],
		})
	}
	return out, nil
}

// agentNames returns the crew's declared agents followed by any task agent not declared.
func (c *Catalog) agentNames(spec CrewSpec) []string {
	var out []string
	seen := make(map[string]bool)
	for _, a := range spec.Agents {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, t := range spec.Tasks {
		if !seen[t.Agent] {
			seen[t.Agent] = true
			out = append(out, t.Agent)
		}
	}
	return out
}
