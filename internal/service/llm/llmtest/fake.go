// Package llmtest provides an in-memory chat model for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RespondFunc produces the model reply for a conversation.
type RespondFunc func(ctx context.Context, msgs []*schema.Message) (*schema.Message, error)

// Model is a scripted model.ToolCallingChatModel.
type Model struct {
	Respond RespondFunc

	mu    sync.Mutex
	calls [][]*schema.Message
	tools []*schema.ToolInfo
	// parent is set on copies returned by WithTools so calls are recorded once.
	parent *Model
}

// Echo replies with "echo: " followed by the last message content.
func Echo() *Model {
	return &Model{Respond: func(_ context.Context, msgs []*schema.Message) (*schema.Message, error) {
		last := ""
		if len(msgs) > 0 {
			last = msgs[len(msgs)-1].Content
		}
		return schema.AssistantMessage("echo: "+last, nil), nil
	}}
}

// Fixed always replies with content.
func Fixed(content string) *Model {
	return &Model{Respond: func(context.Context, []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage(content, nil), nil
	}}
}

func (m *Model) root() *Model {
	if m.parent != nil {
		return m.parent
	}
	return m
}

func (m *Model) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	r := m.root()
	copied := make([]*schema.Message, len(input))
	copy(copied, input)
	r.mu.Lock()
	r.calls = append(r.calls, copied)
	r.mu.Unlock()
	if r.Respond == nil {
		return schema.AssistantMessage("", nil), nil
	}
	return r.Respond(ctx, input)
}

func (m *Model) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *Model) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	r := m.root()
	r.mu.Lock()
	r.tools = append([]*schema.ToolInfo(nil), tools...)
	r.mu.Unlock()
	return &Model{parent: r}, nil
}

// Calls returns every conversation the model has been asked to answer.
func (m *Model) Calls() [][]*schema.Message {
	r := m.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]*schema.Message(nil), r.calls...)
}

// BoundTools returns the tool infos last bound via WithTools.
func (m *Model) BoundTools() []*schema.ToolInfo {
	r := m.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools
}

// Source serves the same model for every provider and records requests.
type Source struct {
	Model *Model
	Err   error

	mu        sync.Mutex
	Requested []string
}

func (s *Source) ChatModel(_ context.Context, provider, modelName string) (model.ToolCallingChatModel, error) {
	s.mu.Lock()
	s.Requested = append(s.Requested, provider+"/"+modelName)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Model, nil
}
