// Package crew runs role-playing agents through an ordered list of tasks.
package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"gigcrew/internal/logging"
)

type Process string

const (
	Sequential   Process = "sequential"
	Hierarchical Process = "hierarchical"
)

var ErrUnsupportedProcess = errors.New("unsupported crew process")

// Agent is a persona backed by a chat model and optional tools.
type Agent struct {
	Name            string
	Role            string
	Goal            string
	Backstory       string
	Tools           []tool.BaseTool
	Model           model.ToolCallingChatModel
	AllowDelegation bool
	// Memory keeps the agent's earlier exchanges from the same kickoff in its prompt.
	Memory   bool
	MaxSteps int
}

type Task struct {
	Name           string
	Description    string
	ExpectedOutput string
	Agent          *Agent
}

type TaskOutput struct {
	Task        string `json:"task"`
	Agent       string `json:"agent"`
	Description string `json:"description"`
	Raw         string `json:"raw"`
}

// Output is the result of a kickoff; Raw is the last task's output.
type Output struct {
	Raw   string       `json:"raw"`
	Tasks []TaskOutput `json:"tasks"`
}

type Crew struct {
	Name    string
	Agents  []*Agent
	Tasks   []*Task
	Process Process
	// TaskCallback is invoked after each task completes.
	TaskCallback func(TaskOutput)
	Logger       *zap.Logger
}

// Validate checks the crew can be kicked off.
func (c *Crew) Validate() error {
	if c.Process != "" && c.Process != Sequential {
		return fmt.Errorf("%w: %s", ErrUnsupportedProcess, c.Process)
	}
	if len(c.Tasks) == 0 {
		return errors.New("crew has no tasks")
	}
	for i, t := range c.Tasks {
		if t == nil {
			return fmt.Errorf("task %d is nil", i)
		}
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("task %d: description required", i)
		}
		if t.Agent == nil {
			return fmt.Errorf("task %d: agent required", i)
		}
		if t.Agent.Model == nil {
			return fmt.Errorf("task %d: agent %q has no model", i, t.Agent.Role)
		}
	}
	return nil
}

// Kickoff runs every task in order. Each task sees the outputs of the tasks before it.
func (c *Crew) Kickoff(ctx context.Context, inputs map[string]string) (*Output, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(c.Logger).With(zap.String("crew", c.Name))

	resolved, err := c.resolveAgents(inputs)
	if err != nil {
		return nil, err
	}
	memory := make(map[*Agent][]*schema.Message)
	out := &Output{Tasks: make([]TaskOutput, 0, len(c.Tasks))}

	for i, task := range c.Tasks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		agent := resolved[task.Agent]
		description, err := Interpolate(task.Description, inputs)
		if err != nil {
			return out, fmt.Errorf("task %d: %w", i, err)
		}
		expected, err := Interpolate(task.ExpectedOutput, inputs)
		if err != nil {
			return out, fmt.Errorf("task %d: %w", i, err)
		}
		name := task.Name
		if name == "" {
			name = fmt.Sprintf("task_%d", i+1)
		}

		prompt := taskPrompt(description, expected, out.Tasks)
		msgs := []*schema.Message{schema.SystemMessage(agent.systemPrompt(c.coworkers(agent, resolved)))}
		if agent.Memory {
			msgs = append(msgs, memory[task.Agent]...)
		}
		msgs = append(msgs, schema.UserMessage(prompt))

		logger.Debug("task started", zap.String("task", name), zap.String("agent", agent.Role))
		tools := agent.Tools
		if agent.AllowDelegation {
			if dt := newDelegationTool(c.coworkers(agent, resolved)); dt != nil {
				tools = append(append([]tool.BaseTool(nil), tools...), dt)
			}
		}
		result, err := agent.run(ctx, msgs, tools)
		if err != nil {
			logger.Warn("task failed", zap.String("task", name), zap.Error(err))
			return out, fmt.Errorf("task %s (%s): %w", name, agent.Role, err)
		}

		if agent.Memory {
			memory[task.Agent] = append(memory[task.Agent], schema.UserMessage(prompt), schema.AssistantMessage(result, nil))
		}
		to := TaskOutput{Task: name, Agent: agent.Role, Description: description, Raw: result}
		out.Tasks = append(out.Tasks, to)
		out.Raw = result
		logger.Info("task completed", zap.String("task", name), zap.String("agent", agent.Role), zap.Int("output_len", len(result)))
		if c.TaskCallback != nil {
			c.TaskCallback(to)
		}
	}
	return out, nil
}

// resolveAgents interpolates each distinct agent's persona once per kickoff.
func (c *Crew) resolveAgents(inputs map[string]string) (map[*Agent]*Agent, error) {
	resolved := make(map[*Agent]*Agent)
	add := func(a *Agent) error {
		if a == nil {
			return nil
		}
		if _, ok := resolved[a]; ok {
			return nil
		}
		cp := *a
		var err error
		for _, f := range []*string{&cp.Role, &cp.Goal, &cp.Backstory} {
			if *f, err = Interpolate(*f, inputs); err != nil {
				return fmt.Errorf("agent %q: %w", a.Role, err)
			}
		}
		resolved[a] = &cp
		return nil
	}
	for _, a := range c.Agents {
		if err := add(a); err != nil {
			return nil, err
		}
	}
	for _, t := range c.Tasks {
		if err := add(t.Agent); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func (c *Crew) coworkers(self *Agent, resolved map[*Agent]*Agent) []*Agent {
	var out []*Agent
	seen := make(map[*Agent]bool)
	for _, a := range c.Agents {
		r := resolved[a]
		if r == nil || r == self || seen[r] || r.Model == nil {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// RequiredInputs lists the placeholders referenced by the crew's agents and tasks.
func (c *Crew) RequiredInputs() []string {
	var all []string
	seen := make(map[string]bool)
	collect := func(s string) {
		for _, name := range Placeholders(s) {
			if !seen[name] {
				seen[name] = true
				all = append(all, name)
			}
		}
	}
	for _, a := range c.Agents {
		collect(a.Role)
		collect(a.Goal)
		collect(a.Backstory)
	}
	for _, t := range c.Tasks {
		collect(t.Description)
		collect(t.ExpectedOutput)
	}
	return all
}
