// File: internal/executor/composite.go
// Brief: Concurrent Helm plus Terraform deployer and the dry-run deployer.

package executor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/example/stackctl/internal/stack"
)

// CompositeDeployer runs a unit's Helm release and its Terraform workspace
// concurrently. Either failing cancels the other. Both output sets merge into
// one; a key produced by both is an error.
type CompositeDeployer struct {
	Helm  stack.DeployExecutor
	IaC   stack.DeployExecutor
	Limit time.Duration
}

func (c *CompositeDeployer) Timeout() time.Duration { return c.Limit }

func (c *CompositeDeployer) Deploy(ctx context.Context, req stack.UnitRequest) (stack.UnitOutput, error) {
	var (
		mu      sync.Mutex
		results = map[string]stack.UnitOutput{}
	)
	g, gctx := errgroup.WithContext(ctx)
	run := func(name string, d stack.DeployExecutor) {
		if d == nil {
			return
		}
		g.Go(func() error {
			out, err := d.Deploy(gctx, req)
			if err != nil {
				return err
			}
			mu.Lock()
			results[name] = out
			mu.Unlock()
			return nil
		})
	}
	run("helm", c.Helm)
	if req.Unit != nil && req.Unit.Deploy.IaC != nil {
		run("terraform", c.IaC)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeOutputs(results)
}

func mergeOutputs(results map[string]stack.UnitOutput) (stack.UnitOutput, error) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	merged := stack.UnitOutput{}
	owner := map[string]string{}
	for _, name := range names {
		for k, v := range results[name] {
			if prev, ok := owner[k]; ok {
				return nil, errors.Errorf("output %q produced by both %s and %s", k, prev, name)
			}
			owner[k] = name
			merged[k] = v
		}
	}
	return merged, nil
}

// DryRunDeployer prints what would be deployed and returns the rendered output
// templates so downstream references still resolve.
type DryRunDeployer struct {
	Out io.Writer

	mu sync.Mutex
}

func (d *DryRunDeployer) Deploy(_ context.Context, req stack.UnitRequest) (stack.UnitOutput, error) {
	relName := HelmReleaseName(req)
	d.mu.Lock()
	if d.Out != nil {
		fmt.Fprintf(d.Out, "+ helm upgrade --install %s %s --namespace %s\n", relName, chartRef(req), req.Namespace)
		if req.Unit != nil && req.Unit.Deploy.IaC != nil {
			fmt.Fprintf(d.Out, "+ terraform -chdir=%s plan\n", resolve(req.Root, req.Unit.Deploy.IaC.Dir))
		}
	}
	d.mu.Unlock()
	return RenderOutputs(req, relName)
}

func chartRef(req stack.UnitRequest) string {
	if req.Chart.Custom() {
		return resolve(req.Root, req.Chart.Path)
	}
	return req.Chart.String()
}
