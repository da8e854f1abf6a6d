package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"gigcrew/internal/service/llm/llmtest"
)

func lastUser(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schema.User {
			return msgs[i].Content
		}
	}
	return ""
}

func TestKickoffPassesPriorOutputsAsContext(t *testing.T) {
	var n int
	var mu sync.Mutex
	m := &llmtest.Model{Respond: func(_ context.Context, msgs []*schema.Message) (*schema.Message, error) {
		mu.Lock()
		n++
		reply := fmt.Sprintf("output-%d", n)
		mu.Unlock()
		return schema.AssistantMessage(reply, nil), nil
	}}
	pm := &Agent{Role: "Project Manager", Goal: "Define the gig task \"{gig}\"", Backstory: "Experienced.", Model: m}
	worker := &Agent{Role: "Gig Worker", Goal: "Execute.", Backstory: "Skilled.", Model: m}

	var callbacks []string
	c := &Crew{
		Name:   "gig",
		Agents: []*Agent{pm, worker},
		Tasks: []*Task{
			{Name: "define", Description: "Define and post the gig task: \"{gig}\".", ExpectedOutput: "A confirmation.", Agent: pm},
			{Name: "execute", Description: "Execute the gig task that was just posted.", ExpectedOutput: "The completed work.", Agent: worker},
		},
		Process:      Sequential,
		TaskCallback: func(o TaskOutput) { callbacks = append(callbacks, o.Task) },
	}
	out, err := c.Kickoff(context.Background(), map[string]string{"gig": "Summarize AI news"})
	if err != nil {
		t.Fatalf("Kickoff error: %v", err)
	}
	if out.Raw != "output-2" || len(out.Tasks) != 2 {
		t.Fatalf("unexpected output: %+v", out)
	}
	if len(callbacks) != 2 || callbacks[0] != "define" || callbacks[1] != "execute" {
		t.Fatalf("callbacks = %v", callbacks)
	}

	calls := m.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(calls))
	}
	sys := calls[0][0]
	if sys.Role != schema.System || !strings.Contains(sys.Content, `Define the gig task "Summarize AI news"`) {
		t.Fatalf("system prompt not interpolated: %q", sys.Content)
	}
	if !strings.Contains(lastUser(calls[0]), `Define and post the gig task: "Summarize AI news".`) {
		t.Fatalf("task description not interpolated: %q", lastUser(calls[0]))
	}
	if strings.Contains(lastUser(calls[0]), "context you're working with") {
		t.Fatalf("first task should have no context")
	}
	second := lastUser(calls[1])
	if !strings.Contains(second, "[define by Project Manager]\noutput-1") {
		t.Fatalf("second task missing first output as context: %q", second)
	}
	if pm.Goal != "Define the gig task \"{gig}\"" {
		t.Fatalf("kickoff must not mutate agent templates")
	}
}

func TestKickoffMissingInput(t *testing.T) {
	a := &Agent{Role: "Senior Researcher", Goal: "Uncover ground breaking technologies in {topic}", Model: llmtest.Echo()}
	c := &Crew{Agents: []*Agent{a}, Tasks: []*Task{{Description: "Research {topic}.", Agent: a}}}
	_, err := c.Kickoff(context.Background(), nil)
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if got := c.RequiredInputs(); len(got) != 1 || got[0] != "topic" {
		t.Fatalf("RequiredInputs = %v", got)
	}
}

func TestKickoffValidation(t *testing.T) {
	a := &Agent{Role: "r", Model: llmtest.Echo()}
	cases := []*Crew{
		{Tasks: nil},
		{Tasks: []*Task{{Description: "d"}}},
		{Tasks: []*Task{{Description: "d", Agent: &Agent{Role: "no model"}}}},
		{Tasks: []*Task{{Description: "  ", Agent: a}}},
	}
	for i, c := range cases {
		if _, err := c.Kickoff(context.Background(), nil); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	h := &Crew{Process: Hierarchical, Tasks: []*Task{{Description: "d", Agent: a}}}
	if _, err := h.Kickoff(context.Background(), nil); !errors.Is(err, ErrUnsupportedProcess) {
		t.Fatalf("expected ErrUnsupportedProcess, got %v", err)
	}
}

func TestKickoffEmptyAnswerFails(t *testing.T) {
	a := &Agent{Role: "Writer", Model: llmtest.Fixed("   ")}
	c := &Crew{Tasks: []*Task{{Description: "Write.", Agent: a}}}
	if _, err := c.Kickoff(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty answer")
	}
}

func TestAgentMemoryCarriesEarlierExchanges(t *testing.T) {
	m := llmtest.Echo()
	a := &Agent{Role: "Auditor", Memory: true, Model: m}
	b := &Agent{Role: "Forgetful", Model: m}
	c := &Crew{Tasks: []*Task{
		{Name: "one", Description: "first", Agent: a},
		{Name: "two", Description: "second", Agent: b},
		{Name: "three", Description: "third", Agent: a},
	}}
	if _, err := c.Kickoff(context.Background(), nil); err != nil {
		t.Fatalf("Kickoff error: %v", err)
	}
	calls := m.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	// system, remembered user, remembered assistant, new user
	if len(calls[2]) != 4 || calls[2][2].Role != schema.Assistant {
		t.Fatalf("memory not replayed: %d messages", len(calls[2]))
	}
	if len(calls[1]) != 2 {
		t.Fatalf("agent without memory should see only system and task: %d", len(calls[1]))
	}
}

type fileReaderParams struct {
	Path string `json:"file_path"`
}

func TestAgentWithToolsRunsToolLoop(t *testing.T) {
	var toolCalls int
	reader := utils.NewTool(&schema.ToolInfo{
		Name: "file_reader",
		Desc: "Reads a file.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"file_path": {Type: schema.String, Desc: "path"},
		}),
	}, func(_ context.Context, p *fileReaderParams) (string, error) {
		toolCalls++
		return `File Content: {"key": "value", "status": "submitted"}`, nil
	})

	m := &llmtest.Model{Respond: func(_ context.Context, msgs []*schema.Message) (*schema.Message, error) {
		last := msgs[len(msgs)-1]
		if last.Role == schema.Tool {
			return schema.AssistantMessage(`{"status": "verified", "reason": "`+last.Content+`"}`, nil), nil
		}
		return schema.AssistantMessage("", []schema.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: schema.FunctionCall{Name: "file_reader", Arguments: `{"file_path":"submitted_work.json"}`},
		}}), nil
	}}
	auditor := &Agent{Role: "Automated Quality Assurance Engineer", Model: m, Tools: []tool.BaseTool{reader}}
	c := &Crew{Tasks: []*Task{{Description: "Verify submitted_work.json", Agent: auditor}}}

	out, err := c.Kickoff(context.Background(), nil)
	if err != nil {
		t.Fatalf("Kickoff error: %v", err)
	}
	if toolCalls != 1 {
		t.Fatalf("expected tool to run once, ran %d", toolCalls)
	}
	if !strings.Contains(out.Raw, `"status": "verified"`) || !strings.Contains(out.Raw, "submitted") {
		t.Fatalf("unexpected verdict: %s", out.Raw)
	}
	if bound := m.BoundTools(); len(bound) != 1 || bound[0].Name != "file_reader" {
		t.Fatalf("tools not bound to model: %+v", bound)
	}
}

func TestDelegationToolAsksCoworker(t *testing.T) {
	coworker := &Agent{Role: "Expert Skills Assessor", Model: llmtest.Fixed("quiz ready")}
	dt := newDelegationTool([]*Agent{coworker})
	if dt == nil {
		t.Fatalf("expected delegation tool")
	}
	got, err := dt.InvokableRun(context.Background(), `{"coworker":"expert skills assessor","task":"write a quiz"}`)
	if err != nil || got != "quiz ready" {
		t.Fatalf("delegation = %q, %v", got, err)
	}
	got, err = dt.InvokableRun(context.Background(), `{"coworker":"Nobody","task":"x"}`)
	if err != nil || !strings.Contains(got, "Expert Skills Assessor") {
		t.Fatalf("unknown coworker should list choices: %q, %v", got, err)
	}
	if newDelegationTool(nil) != nil {
		t.Fatalf("no coworkers, no tool")
	}
}

func TestInterpolate(t *testing.T) {
	inputs := map[string]string{"topic": "AI", "file_id": "7"}
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"Write about {topic}.", "Write about AI."},
		{"Example: `{{\"status\": \"verified\"}}`", "Example: `{\"status\": \"verified\"}`"},
		{"file {file_id} of {topic}", "file 7 of AI"},
		{"json { \"a\": 1 }", "json { \"a\": 1 }"},
		{"dangling {", "dangling {"},
	}
	for _, tc := range cases {
		got, err := Interpolate(tc.in, inputs)
		if err != nil {
			t.Fatalf("Interpolate(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Interpolate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := Interpolate("{missing}", inputs); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if got := Placeholders("{a} {{b}} {a} {c_1} { d }"); len(got) != 2 || got[0] != "a" || got[1] != "c_1" {
		t.Fatalf("Placeholders = %v", got)
	}
}
