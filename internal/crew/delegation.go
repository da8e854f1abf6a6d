package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

type delegateParams struct {
	Coworker string `json:"coworker"`
	Task     string `json:"task"`
	Context  string `json:"context"`
}

// newDelegationTool lets an agent hand a sub-task to a coworker. Coworkers answer
// with their own tools but cannot delegate further.
func newDelegationTool(coworkers []*Agent) tool.InvokableTool {
	if len(coworkers) == 0 {
		return nil
	}
	roles := make([]string, 0, len(coworkers))
	for _, c := range coworkers {
		roles = append(roles, c.Role)
	}
	info := &schema.ToolInfo{
		Name: "delegate_work_to_coworker",
		Desc: "Delegate a specific task to one of the following coworkers: " + strings.Join(roles, ", ") +
			". Provide all necessary context, the coworker knows nothing about the task otherwise.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"coworker": {Desc: "Role of the coworker to delegate to.", Type: schema.String, Required: true},
			"task":     {Desc: "The task to delegate.", Type: schema.String, Required: true},
			"context":  {Desc: "Everything the coworker needs to know.", Type: schema.String},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, p *delegateParams) (string, error) {
		if p == nil || strings.TrimSpace(p.Task) == "" {
			return "", errors.New("task is required")
		}
		var target *Agent
		for _, c := range coworkers {
			if strings.EqualFold(strings.TrimSpace(c.Role), strings.TrimSpace(p.Coworker)) {
				target = c
				break
			}
		}
		if target == nil {
			return fmt.Sprintf("No coworker named %q. Choose one of: %s", p.Coworker, strings.Join(roles, ", ")), nil
		}
		prompt := "Current Task: " + strings.TrimSpace(p.Task)
		if c := strings.TrimSpace(p.Context); c != "" {
			prompt += "\n\nThis is the context you're working with:\n" + c
		}
		msgs := []*schema.Message{
			schema.SystemMessage(target.systemPrompt(nil)),
			schema.UserMessage(prompt),
		}
		return target.run(ctx, msgs, target.Tools)
	})
}
