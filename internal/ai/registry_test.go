package ai

import (
	"context"
	"testing"
)

type staticProvider struct {
	model string
}

func (p *staticProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	_ = ctx
	_ = messages
	return "from " + p.model, nil
}

func TestRegistry_RoutesByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Fake", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		if model == "" {
			model = "default-model"
		}
		return &staticProvider{model: model}, nil
	})

	// lookup is case-insensitive and trims whitespace
	p, err := reg.Get(context.Background(), "  fake ", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out, err := p.Chat(context.Background(), nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "from default-model" {
		t.Fatalf("unexpected output: %q", out)
	}

	p, err = reg.Get(context.Background(), "fake", "custom")
	if err != nil {
		t.Fatalf("get with model: %v", err)
	}
	out, _ = p.Chat(context.Background(), nil)
	if out != "from custom" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get(context.Background(), "nope", ""); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestRegistry_CachesBuiltProviders(t *testing.T) {
	reg := NewRegistry()
	builds := 0
	reg.Register("fake", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		builds++
		return &staticProvider{model: model}, nil
	})

	p1, err := reg.Get(context.Background(), "fake", "m1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	p2, err := reg.Get(context.Background(), "FAKE", "m1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected the same cached instance")
	}
	if builds != 1 {
		t.Fatalf("expected 1 build, got %d", builds)
	}

	// a different model is a different instance
	p3, err := reg.Get(context.Background(), "fake", "m2")
	if err != nil {
		t.Fatalf("third get: %v", err)
	}
	if p3 == p1 {
		t.Fatalf("different models must not share an instance")
	}
	if builds != 2 {
		t.Fatalf("expected 2 builds, got %d", builds)
	}
}
