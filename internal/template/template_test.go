package template

import (
	"errors"
	"testing"
)

func TestRender(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		vars map[string]string
		want string
	}{
		{"single", "Hi {{name}}", map[string]string{"name": "Alice"}, "Hi Alice"},
		{"repeated", "{{x}}-{{x}}", map[string]string{"x": "1"}, "1-1"},
		{"spaces inside braces", "Hi {{ name }}!", map[string]string{"name": "Bob"}, "Hi Bob!"},
		{"unmapped left verbatim", "Hi {{name}}, code {{code}}", map[string]string{"name": "Al"}, "Hi Al, code {{code}}"},
		{"no vars", "Hi {{name}}", nil, "Hi {{name}}"},
		{"literal braces", "set {a} and {{}}", map[string]string{"a": "x"}, "set {a} and {{}}"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Render(tc.body, tc.vars); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestBuildTemplatePayload_OrdersParameters(t *testing.T) {
	t.Parallel()

	p, err := BuildTemplatePayload("promo", "en_US", []string{"Alice", "42"}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "promo" || p.Language.Code != "en_US" {
		t.Fatalf("unexpected header: %+v", p)
	}
	if len(p.Components) != 1 || p.Components[0].Type != "body" {
		t.Fatalf("expected one body component, got %+v", p.Components)
	}
	params := p.Components[0].Parameters
	if len(params) != 2 || params[0].Text != "Alice" || params[1].Text != "42" {
		t.Fatalf("unexpected parameters: %+v", params)
	}
	if params[0].Type != "text" {
		t.Fatalf("expected text parameter, got %q", params[0].Type)
	}
}

func TestBuildTemplatePayload_NoParams(t *testing.T) {
	t.Parallel()

	p, err := BuildTemplatePayload("hello_world", "en_US", nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Components == nil || len(p.Components) != 0 {
		t.Fatalf("expected empty non-nil components, got %#v", p.Components)
	}
}

func TestBuildTemplatePayload_ArityMismatch(t *testing.T) {
	t.Parallel()

	_, err := BuildTemplatePayload("promo", "en_US", []string{"only-one"}, 2)
	var arityErr *TemplateArityError
	if !errors.As(err, &arityErr) {
		t.Fatalf("expected TemplateArityError, got %v", err)
	}
	if arityErr.Want != 2 || arityErr.Got != 1 {
		t.Fatalf("unexpected arity error: %+v", arityErr)
	}

	if _, err := (Spec{Name: "promo", Language: "en", Arity: -1}).Build([]string{"a", "b", "c"}); err != nil {
		t.Fatalf("expected negative arity to skip the check, got %v", err)
	}
}
