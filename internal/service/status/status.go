// Package status reports which credentials are configured and whether each provider client can be built.
package status

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gigcrew/internal/config"
	"gigcrew/internal/logging"
	"gigcrew/internal/service/llm"
)

const checkTimeout = 10 * time.Second

type Credential struct {
	Name     string `json:"name"`
	Present  bool   `json:"present"`
	Redacted string `json:"redacted,omitempty"`
	Message  string `json:"message"`
}

type ProviderStatus struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
}

type Report struct {
	Credentials []Credential     `json:"credentials"`
	Providers   []ProviderStatus `json:"providers,omitempty"`
}

// Redact keeps the first seven and last four characters of a key.
func Redact(key string) string {
	if len(key) <= 11 {
		return "****"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// Credentials lists the presence of each credential read from the environment.
func Credentials(c config.Credentials) []Credential {
	entries := []struct {
		name  string
		value string
	}{
		{config.EnvGeminiAPIKey, c.GeminiAPIKey},
		{config.EnvGoogleCloudProject, c.GoogleCloudProject},
		{config.EnvGroqAPIKey, c.GroqAPIKey},
		{config.EnvGoogleAPIKey, c.GoogleAPIKey},
	}
	out := make([]Credential, 0, len(entries))
	for _, e := range entries {
		cred := Credential{Name: e.name, Present: e.value != ""}
		if cred.Present {
			cred.Message = "Loaded successfully."
			if e.name != config.EnvGoogleCloudProject {
				cred.Redacted = Redact(e.value)
			}
		} else {
			cred.Message = "Not found. Please set it in your .env file."
		}
		out = append(out, cred)
	}
	return out
}

// Models is what a Checker needs from the model factory.
type Models interface {
	llm.Source
	Providers() []string
	DefaultModel(provider string) string
}

type Checker struct {
	creds  config.Credentials
	models Models
	logger *zap.Logger
}

func NewChecker(creds config.Credentials, models Models, logger *zap.Logger) *Checker {
	return &Checker{creds: creds, models: models, logger: logging.OrNop(logger)}
}

// Check builds the provider's chat model. A nil error means the client was initialised,
// not that a request succeeded.
func (c *Checker) Check(ctx context.Context, provider string) ProviderStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	st := ProviderStatus{Provider: provider, Model: c.models.DefaultModel(provider)}
	if _, err := c.models.ChatModel(ctx, provider, ""); err != nil {
		c.logger.Info("provider check failed", zap.String("provider", provider), zap.Error(err))
		st.Message = fmt.Sprintf("An error occurred while connecting to the LLM: %v", err)
		return st
	}
	st.OK = true
	st.Message = fmt.Sprintf("Successfully initialized a connection to %s.", provider)
	return st
}

// Report gathers credential presence and, when checkProviders is set, a check per provider.
func (c *Checker) Report(ctx context.Context, checkProviders bool) Report {
	r := Report{Credentials: Credentials(c.creds)}
	if !checkProviders {
		return r
	}
	for _, p := range c.models.Providers() {
		r.Providers = append(r.Providers, c.Check(ctx, p))
	}
	return r
}
