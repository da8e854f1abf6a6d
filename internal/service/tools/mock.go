package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// Fixed results returned by the simulated tools.
const (
	CodeInterpreterResult = "Execution Result: SUCCESS"
	FileReaderResult      = `File Content: {"key": "value", "status": "submitted"}`
	ScraperMockResult     = "Scraped Content: This project requires translating a JSON file from English to Spanish. The file is located at 'data/en.json'."
	VerificationResult    = "Verification Status: Approved"
	taskPostingTemplate   = "Task '%s' has been successfully posted."
	taskExecutionTemplate = "Completed work for '%s': A detailed summary of recent AI advancements."
	paymentResultTemplate = "Payment of $15 processed successfully for task '%s'."
)

type codeParams struct {
	Code string `json:"code_to_execute"`
}

type fileParams struct {
	Path string `json:"file_path"`
}

type argumentParams struct {
	Argument string `json:"argument"`
}

func (r *Registry) newCodeInterpreter() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "code_interpreter",
		Desc: "Executes Python code in a sandboxed environment to verify a task. The code must be a single function.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"code_to_execute": {
				Desc: "The Python code to be executed for verification.",
				Type: schema.String,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, p *codeParams) (string, error) {
		code := ""
		if p != nil {
			code = p.Code
		}
		r.record(ctx, info.Name, code, "Executing verification script")
		// nothing is executed; the verdict is simulated
		return CodeInterpreterResult, nil
	})
}

func (r *Registry) newFileReader() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "file_reader",
		Desc: "Reads the content of a local file to be used for verification.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"file_path": {
				Desc: "The path to the file that needs to be read.",
				Type: schema.String,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, p *fileParams) (string, error) {
		path := ""
		if p != nil {
			path = p.Path
		}
		r.record(ctx, info.Name, path, "Reading file from path")
		return FileReaderResult, nil
	})
}

// newEchoTool builds one of the gig workflow placeholders: each echoes its argument
// inside a fixed sentence.
func (r *Registry) newEchoTool(name, desc string, render func(arg string) string) tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: name,
		Desc: desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"argument": {
				Desc:     "The gig task or work item this action applies to.",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, p *argumentParams) (string, error) {
		arg := ""
		if p != nil {
			arg = strings.TrimSpace(p.Argument)
		}
		r.record(ctx, name, arg, desc)
		return render(arg), nil
	})
}

func (r *Registry) gigTools() []tool.InvokableTool {
	return []tool.InvokableTool{
		r.newEchoTool("task_posting", "Posts a new gig task to the platform.", func(arg string) string {
			return fmt.Sprintf(taskPostingTemplate, arg)
		}),
		r.newEchoTool("task_execution", "Simulates the work being done for a given task.", func(arg string) string {
			return fmt.Sprintf(taskExecutionTemplate, arg)
		}),
		r.newEchoTool("work_verification", "Verifies if the completed work meets the task requirements.", func(string) string {
			return VerificationResult
		}),
		r.newEchoTool("payment_processing", "Processes payment to a contributor for a completed and verified task.", func(arg string) string {
			return fmt.Sprintf(paymentResultTemplate, arg)
		}),
	}
}

func (r *Registry) record(ctx context.Context, name, input, what string) {
	r.logger.Info("tool action", zap.String("tool", name), zap.String("action", what), zap.String("input", input))
	emitAction(ctx, name, input)
}
