// File: internal/executor/terraform.go
// Brief: Terraform deployer and output reader.

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/example/stackctl/internal/stack"
)

// TerraformDeployer applies a unit's deploy.iac workspace and returns its
// terraform outputs. Units without an iac block produce no outputs.
type TerraformDeployer struct {
	Binary   string
	Runner   Runner
	Log      logr.Logger
	PlanOnly bool
	Limit    time.Duration
}

func (t *TerraformDeployer) Timeout() time.Duration { return t.Limit }

type terraformOutput struct {
	Sensitive bool            `json:"sensitive"`
	Value     json.RawMessage `json:"value"`
}

func (t *TerraformDeployer) Deploy(ctx context.Context, req stack.UnitRequest) (stack.UnitOutput, error) {
	if req.Unit == nil || req.Unit.Deploy.IaC == nil {
		return stack.UnitOutput{}, nil
	}
	iac := req.Unit.Deploy.IaC
	dir := resolve(req.Root, iac.Dir)
	bin := t.Binary
	if bin == "" {
		bin = "terraform"
	}
	vars, err := t.vars(req, iac)
	if err != nil {
		return nil, err
	}
	run := runnerOrDefault(t.Runner, t.Log)
	chdir := "-chdir=" + dir
	steps := []Command{
		{Name: bin, Args: []string{chdir, "init", "-upgrade", "-input=false"}},
		{Name: bin, Args: append([]string{chdir, "plan", "-input=false", "-out=tfplan"}, vars...)},
	}
	if !t.PlanOnly {
		steps = append(steps, Command{Name: bin, Args: []string{chdir, "apply", "-input=false", "tfplan"}})
	}
	for _, c := range steps {
		if _, err := run.Run(ctx, c); err != nil {
			return nil, errors.Wrapf(err, "terraform workspace %s", iac.Dir)
		}
	}
	if t.PlanOnly {
		return stack.UnitOutput{}, nil
	}
	raw, err := run.Run(ctx, Command{Name: bin, Args: []string{chdir, "output", "-json"}})
	if err != nil {
		return nil, errors.Wrapf(err, "terraform outputs %s", iac.Dir)
	}
	return parseTerraformOutputs(raw)
}

// vars renders the iac vars as templates over the resolved config, in key order.
func (t *TerraformDeployer) vars(req stack.UnitRequest, iac *stack.IaCBlock) ([]string, error) {
	keys := make([]string, 0, len(iac.Vars))
	for k := range iac.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := dataFor(req, req.Release)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := render(req.Name+".iac.vars."+k, iac.Vars[k], data)
		if err != nil {
			return nil, err
		}
		args = append(args, "-var", fmt.Sprintf("%s=%s", k, v))
	}
	return args, nil
}

func parseTerraformOutputs(raw []byte) (stack.UnitOutput, error) {
	out := stack.UnitOutput{}
	if len(raw) == 0 {
		return out, nil
	}
	var parsed map[string]terraformOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "decode terraform output -json")
	}
	for k, o := range parsed {
		var v any
		if err := json.Unmarshal(o.Value, &v); err != nil {
			return nil, errors.Wrapf(err, "decode terraform output %s", k)
		}
		out[k] = v
	}
	return out, nil
}
