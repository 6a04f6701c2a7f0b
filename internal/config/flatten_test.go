package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"providers": map[string]any{
			"openai": map[string]any{
				"api_key":  "sk-test123",
				"base_url": "https://api.openai.com/v1",
			},
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["providers.openai.api_key"] != "sk-test123" {
		t.Errorf("expected providers.openai.api_key=sk-test123, got %v", got["providers.openai.api_key"])
	}
	if got["providers.openai.base_url"] != "https://api.openai.com/v1" {
		t.Errorf("unexpected base_url %v", got["providers.openai.base_url"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	got := Flatten(map[string]any{"research": map[string]any{}})
	if len(got) != 0 {
		t.Errorf("empty nested map should produce no keys, got %v", got)
	}
}

func TestFlatten_MixedTypes(t *testing.T) {
	got := Flatten(map[string]any{
		"research": map[string]any{
			"stream":            true,
			"poll_max_attempts": 360.0,
			"poll_interval":     "10s",
		},
	})
	if got["research.stream"] != true {
		t.Errorf("expected bool, got %v", got["research.stream"])
	}
	if got["research.poll_max_attempts"] != 360.0 {
		t.Errorf("expected number, got %v", got["research.poll_max_attempts"])
	}
	if got["research.poll_interval"] != "10s" {
		t.Errorf("expected string, got %v", got["research.poll_interval"])
	}
}

func TestUnflatten_Nested(t *testing.T) {
	got := Unflatten(map[string]any{
		"checkpoint.backend": "sqlite",
		"checkpoint.max_age": "168h0m0s",
		"http.listen":        ":8484",
	})
	cp, ok := got["checkpoint"].(map[string]any)
	if !ok {
		t.Fatalf("expected checkpoint to be a map, got %T", got["checkpoint"])
	}
	if cp["backend"] != "sqlite" || cp["max_age"] != "168h0m0s" {
		t.Errorf("unexpected checkpoint section %v", cp)
	}
	if got["http"].(map[string]any)["listen"] != ":8484" {
		t.Errorf("unexpected http section %v", got["http"])
	}
}

func TestUnflatten_ScalarReplacedByMap(t *testing.T) {
	got := Unflatten(map[string]any{"a": "x", "a.b": "y"})
	// Map iteration order decides the winner; either shape is acceptable,
	// but the result must be well formed.
	switch v := got["a"].(type) {
	case string:
	case map[string]any:
		if v["b"] != "y" {
			t.Errorf("expected a.b=y, got %v", v)
		}
	default:
		t.Errorf("unexpected type %T", v)
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"providers": map[string]any{
			"gemini": map[string]any{"api_key": "g-key", "base_url": "https://x"},
			"xai":    map[string]any{"api_key": "x-key"},
		},
		"telegram":  map[string]any{"token": "123:abc"},
		"log_level": "warn",
	}
	restored := Unflatten(Flatten(original))

	providers := restored["providers"].(map[string]any)
	if providers["gemini"].(map[string]any)["api_key"] != "g-key" {
		t.Error("gemini api_key lost in round trip")
	}
	if providers["xai"].(map[string]any)["api_key"] != "x-key" {
		t.Error("xai api_key lost in round trip")
	}
	if restored["telegram"].(map[string]any)["token"] != "123:abc" {
		t.Error("telegram token lost in round trip")
	}
	if restored["log_level"] != "warn" {
		t.Error("log_level lost in round trip")
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"providers.openai.api_key", "providers.openrouter.api_key", "telegram.token"} {
		if !IsSecretKey(k) {
			t.Errorf("expected %s to be secret", k)
		}
	}
	for _, k := range []string{"providers.openai.base_url", "telegram.allowed_chats", "log_level"} {
		if IsSecretKey(k) {
			t.Errorf("expected %s not to be secret", k)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"providers.openai.api_key":    "sk-test123456",
		"providers.gemini.api_key":    "",
		"providers.xai.api_key":       "ab",
		"providers.anthropic.api_key": "abcd",
		"telegram.token":              "123456:ABCdefGHIjkl",
		"providers.openai.base_url":   "https://api.openai.com/v1",
	})

	cases := map[string]string{
		"providers.openai.api_key":    "***3456",
		"providers.gemini.api_key":    "",
		"providers.xai.api_key":       "***ab",
		"providers.anthropic.api_key": "***abcd",
		"telegram.token":              "***Ijkl",
		"providers.openai.base_url":   "https://api.openai.com/v1",
	}
	for k, want := range cases {
		if got[k] != want {
			t.Errorf("%s: expected %q, got %v", k, want, got[k])
		}
	}
}
