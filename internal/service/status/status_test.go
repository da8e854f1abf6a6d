package status

import (
	"context"
	"strings"
	"testing"

	"gigcrew/internal/config"
	"gigcrew/internal/service/llm"
)

func TestRedact(t *testing.T) {
	if got := Redact("gsk_abcdefghijklmnopWXYZ"); got != "gsk_abc...WXYZ" {
		t.Fatalf("Redact = %s", got)
	}
	if got := Redact("short"); got != "****" {
		t.Fatalf("short keys should be fully hidden, got %s", got)
	}
}

func TestCredentialsWithoutKeys(t *testing.T) {
	creds := Credentials(config.Credentials{})
	if len(creds) != 4 {
		t.Fatalf("expected four credentials, got %d", len(creds))
	}
	for _, c := range creds {
		if c.Present || !strings.Contains(c.Message, "Not found") || c.Redacted != "" {
			t.Fatalf("unexpected credential: %+v", c)
		}
	}
}

func TestCredentialsRedactKeysNotProject(t *testing.T) {
	creds := Credentials(config.Credentials{GeminiAPIKey: "AIzaSyExampleKey1234", GoogleCloudProject: "my-project"})
	if !creds[0].Present || creds[0].Redacted != "AIzaSyE...1234" {
		t.Fatalf("gemini credential: %+v", creds[0])
	}
	if !creds[1].Present || creds[1].Redacted != "" {
		t.Fatalf("project should be reported without redaction: %+v", creds[1])
	}
}

func TestReportWithoutAPIKeysDoesNotPanic(t *testing.T) {
	cfg := config.Default()
	cfg.Credentials = config.Credentials{}
	for name, p := range cfg.Providers {
		p.APIKey = ""
		cfg.Providers[name] = p
	}
	checker := NewChecker(cfg.Credentials, llm.NewFactory(cfg, nil), nil)
	r := checker.Report(context.Background(), true)
	if len(r.Providers) == 0 {
		t.Fatalf("expected provider checks")
	}
	for _, p := range r.Providers {
		if p.OK {
			t.Fatalf("provider %s should fail without a key", p.Provider)
		}
		if !strings.Contains(p.Message, "An error occurred") {
			t.Fatalf("unexpected message: %s", p.Message)
		}
	}
}

func TestCheckSucceedsWithKey(t *testing.T) {
	cfg := config.Default()
	groq := cfg.Providers["groq"]
	groq.APIKey = "gsk_test_key_value"
	cfg.Providers["groq"] = groq
	checker := NewChecker(cfg.Credentials, llm.NewFactory(cfg, nil), nil)
	st := checker.Check(context.Background(), "groq")
	if !st.OK || st.Model != "llama3-8b-8192" {
		t.Fatalf("groq check: %+v", st)
	}
}
