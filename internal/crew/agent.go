package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
)

func (a *Agent) systemPrompt(coworkers []*Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. %s\nYour personal goal is: %s", a.Role, strings.TrimSpace(a.Backstory), a.Goal)
	if a.AllowDelegation && len(coworkers) > 0 {
		b.WriteString("\n\nYou can delegate work or ask questions to these coworkers: ")
		roles := make([]string, 0, len(coworkers))
		for _, cw := range coworkers {
			roles = append(roles, cw.Role)
		}
		b.WriteString(strings.Join(roles, ", "))
	}
	return b.String()
}

func taskPrompt(description, expected string, prior []TaskOutput) string {
	var b strings.Builder
	b.WriteString("Current Task: ")
	b.WriteString(strings.TrimSpace(description))
	if expected = strings.TrimSpace(expected); expected != "" {
		b.WriteString("\n\nThis is the expected criteria for your final answer: ")
		b.WriteString(expected)
		b.WriteString("\nYou MUST return the actual complete content as the final answer, not a summary.")
	}
	if len(prior) > 0 {
		b.WriteString("\n\nThis is the context you're working with:")
		for _, p := range prior {
			fmt.Fprintf(&b, "\n\n[%s by %s]\n%s", p.Task, p.Agent, p.Raw)
		}
	}
	return b.String()
}

// run answers msgs with the agent's model, looping through tool calls when tools are set.
func (a *Agent) run(ctx context.Context, msgs []*schema.Message, tools []tool.BaseTool) (string, error) {
	var (
		resp *schema.Message
		err  error
	)
	if len(tools) > 0 {
		cfg := &react.AgentConfig{
			ToolCallingModel: a.Model,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		}
		if a.MaxSteps > 0 {
			cfg.MaxStep = a.MaxSteps
		}
		reactAgent, nerr := react.NewAgent(ctx, cfg)
		if nerr != nil {
			return "", fmt.Errorf("init react agent: %w", nerr)
		}
		resp, err = reactAgent.Generate(ctx, msgs)
	} else {
		resp, err = a.Model.Generate(ctx, msgs)
	}
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("agent returned an empty answer")
	}
	return strings.TrimSpace(resp.Content), nil
}
