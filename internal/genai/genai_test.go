package genai

import "testing"

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected an error when no API key is configured")
	}
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient(WithAPIKey("sk-test"), WithModel("gpt-4o"), WithTemperature(0.7), WithMaxTokens(900))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(c.model) != "gpt-4o" {
		t.Errorf("model not applied: %q", c.model)
	}
	if c.temperature != 0.7 || c.maxTokens != 900 {
		t.Errorf("generation parameters not applied: %v %v", c.temperature, c.maxTokens)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.temperature != DefaultTemperature || c.maxTokens != DefaultMaxTokens {
		t.Errorf("defaults not applied: %v %v", c.temperature, c.maxTokens)
	}
	if c.model == "" {
		t.Error("expected a default model")
	}
}
