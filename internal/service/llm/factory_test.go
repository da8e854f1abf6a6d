package llm

import (
	"context"
	"errors"
	"testing"

	"gigcrew/internal/config"
)

func newTestFactory() *Factory {
	cfg := &config.Config{
		BasicConfig: config.BasicConfig{DefaultProvider: "groq"},
		Providers: map[string]config.ProviderConfig{
			"groq":   {BaseURL: "https://api.groq.com/openai/v1", Model: "llama3-8b-8192", APIKey: "gsk_test", Temperature: 0.7},
			"Gemini": {Model: "gemini-2.0-flash-lite-001"},
			"openai": {APIKey: "sk-test"},
		},
	}
	return NewFactory(cfg, nil)
}

func TestFactoryProviders(t *testing.T) {
	f := newTestFactory()
	got := f.Providers()
	want := []string{"gemini", "groq", "openai"}
	if len(got) != len(want) {
		t.Fatalf("providers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("providers = %v, want %v", got, want)
		}
	}
	if f.DefaultProvider() != "groq" || f.DefaultModel("GROQ") != "llama3-8b-8192" {
		t.Fatalf("default provider/model mismatch")
	}
}

func TestFactoryChatModelErrors(t *testing.T) {
	f := newTestFactory()
	ctx := context.Background()

	if _, err := f.ChatModel(ctx, "mistral", ""); !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}
	if _, err := f.ChatModel(ctx, "gemini", ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := f.ChatModel(ctx, "openai", ""); err == nil {
		t.Fatalf("expected error when no model name is configured")
	}
}

func TestFactoryBuildsDefaultProvider(t *testing.T) {
	f := newTestFactory()
	m, err := f.ChatModel(context.Background(), "", "")
	if err != nil {
		t.Fatalf("ChatModel error: %v", err)
	}
	if m == nil {
		t.Fatalf("expected chat model")
	}
}
