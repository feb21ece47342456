// Package template renders outbound message content: free-text bodies with
// {{name}} placeholders, and provider template payloads built from
// positional parameters.
package template

import (
	"fmt"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces every {{name}} token in body with vars[name]. Tokens with
// no mapping are left as they are.
func Render(body string, vars map[string]string) string {
	if body == "" || len(vars) == 0 {
		return body
	}
	return placeholder.ReplaceAllStringFunc(body, func(tok string) string {
		m := placeholder.FindStringSubmatch(tok)
		if v, ok := vars[m[1]]; ok {
			return v
		}
		return tok
	})
}

type Language struct {
	Code string `json:"code"`
}

type Parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Component struct {
	Type       string      `json:"type"`
	Parameters []Parameter `json:"parameters"`
}

// Payload is the "template" object of a provider template message.
type Payload struct {
	Name       string      `json:"name"`
	Language   Language    `json:"language"`
	Components []Component `json:"components"`
}

// Spec describes a template registered with the provider. Arity is the
// number of body parameters it takes; a negative Arity skips the check.
type Spec struct {
	Name     string
	Language string
	Arity    int
}

type TemplateArityError struct {
	Template string
	Want     int
	Got      int
}

func (e *TemplateArityError) Error() string {
	return fmt.Sprintf("template %q expects %d parameters, got %d", e.Template, e.Want, e.Got)
}

// BuildTemplatePayload assembles the payload for templateName with params as
// ordered body parameters. A parameter count that differs from arity (when
// arity >= 0) is a *TemplateArityError.
func BuildTemplatePayload(templateName, languageCode string, params []string, arity int) (Payload, error) {
	if arity >= 0 && len(params) != arity {
		return Payload{}, &TemplateArityError{Template: templateName, Want: arity, Got: len(params)}
	}

	p := Payload{
		Name:       templateName,
		Language:   Language{Code: languageCode},
		Components: []Component{},
	}
	if len(params) == 0 {
		return p, nil
	}

	body := Component{Type: "body", Parameters: make([]Parameter, 0, len(params))}
	for _, v := range params {
		body.Parameters = append(body.Parameters, Parameter{Type: "text", Text: v})
	}
	p.Components = append(p.Components, body)
	return p, nil
}

// Build is BuildTemplatePayload for a registered template.
func (s Spec) Build(params []string) (Payload, error) {
	return BuildTemplatePayload(s.Name, s.Language, params, s.Arity)
}
