// Package render turns tasks into the shell-level commands typed into
// workers. The orchestrator only depends on the Renderer interface; the
// template implementation here is the default.
package render

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/taskmux/taskmux/task"
)

// Renderer builds the command dispatched to a worker for a task.
type Renderer interface {
	BuildCommand(t task.Task) (string, error)
}

// defaultTemplates instruct the worker program per task type. The description
// carries the actual work; the prefix sets the working mode.
var defaultTemplates = map[task.Type]string{
	task.TypeResearch: `Research the following and report findings: {{.Description}}`,
	task.TypeCode:     `Implement the following change: {{.Description}}{{if .Parameters.Files}} Focus on: {{join .Parameters.Files ", "}}.{{end}}`,
	task.TypeTest:     `Write and run tests for: {{.Description}}`,
	task.TypeAnalysis: `Analyze and summarize: {{.Description}}`,
	task.TypeSwarm:    `Coordinate parallel sub-agents on: {{.Description}}`,
	task.TypeHiveMind: `Act as the coordinating agent for: {{.Description}}`,
}

// TemplateRenderer renders commands from per-type text templates.
type TemplateRenderer struct {
	templates map[task.Type]*template.Template
}

// NewTemplateRenderer parses the default templates, with overrides applied
// on top. Override values use text/template syntax over the task.
func NewTemplateRenderer(overrides map[task.Type]string) (*TemplateRenderer, error) {
	funcs := template.FuncMap{"join": strings.Join}
	parsed := make(map[task.Type]*template.Template, len(defaultTemplates))
	for typ, text := range defaultTemplates {
		if o, ok := overrides[typ]; ok {
			text = o
		}
		tpl, err := template.New(string(typ)).Funcs(funcs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing command template for %s: %w", typ, err)
		}
		parsed[typ] = tpl
	}
	return &TemplateRenderer{templates: parsed}, nil
}

// BuildCommand renders the command for t.
func (r *TemplateRenderer) BuildCommand(t task.Task) (string, error) {
	tpl, ok := r.templates[t.Type]
	if !ok {
		return "", fmt.Errorf("no command template for task type %q", t.Type)
	}
	var b strings.Builder
	if err := tpl.Execute(&b, t); err != nil {
		return "", fmt.Errorf("rendering command for task %s: %w", t.ID, err)
	}
	// Multiplexer dispatch submits on newline; keep the command single-line.
	return strings.Join(strings.Fields(b.String()), " "), nil
}

// Func adapts a plain function to the Renderer interface.
type Func func(t task.Task) (string, error)

func (f Func) BuildCommand(t task.Task) (string, error) { return f(t) }
