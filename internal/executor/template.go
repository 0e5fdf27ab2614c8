// File: internal/executor/template.go
// Brief: Go template rendering for steps and outputs.

package executor

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/pkg/errors"

	"github.com/example/stackctl/internal/stack"
)

// templateData is what init steps and output templates are rendered against.
type templateData struct {
	Stack     string
	Unit      string
	Name      string
	Kind      string
	Namespace string
	Release   string
	Inputs    map[string]any
	Values    map[string]any
}

func dataFor(req stack.UnitRequest, release string) templateData {
	return templateData{
		Stack:     req.Stack,
		Unit:      req.FQN,
		Name:      req.Name,
		Kind:      string(req.Kind),
		Namespace: req.Namespace,
		Release:   release,
		Inputs:    req.Config.Inputs,
		Values:    req.Config.Values,
	}
}

func render(name, text string, data templateData) (string, error) {
	tpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", errors.Wrapf(err, "parse template %s", name)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render template %s", name)
	}
	return buf.String(), nil
}

// RenderOutputs evaluates the deploy.outputs templates of a unit.
func RenderOutputs(req stack.UnitRequest, release string) (stack.UnitOutput, error) {
	out := stack.UnitOutput{}
	if req.Unit == nil {
		return out, nil
	}
	data := dataFor(req, release)
	for key, text := range req.Unit.Deploy.Outputs {
		v, err := render(req.Name+".outputs."+key, text, data)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}
