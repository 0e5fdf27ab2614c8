// File: internal/executor/helm.go
// Brief: Helm release deployer.

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"
	"helm.sh/helm/v3/pkg/strvals"

	"github.com/example/stackctl/internal/stack"
)

const (
	defaultHelmTimeout = 5 * time.Minute
	maxHelmReleaseName = 53
)

// ActionConfigFunc returns a Helm action configuration bound to namespace.
type ActionConfigFunc func(namespace string) (*action.Configuration, error)

// HelmDeployer installs or upgrades one Helm release per unit and renders the
// unit's output templates against the release.
type HelmDeployer struct {
	Settings        *cli.EnvSettings
	ActionConfig    ActionConfigFunc
	Log             logr.Logger
	Wait            bool
	Atomic          bool
	CreateNamespace bool
	Limit           time.Duration
}

// NewHelmDeployer wires a deployer to the kube context described by settings.
func NewHelmDeployer(settings *cli.EnvSettings, log logr.Logger) *HelmDeployer {
	d := &HelmDeployer{Settings: settings, Log: log, Wait: true, CreateNamespace: true}
	d.ActionConfig = func(namespace string) (*action.Configuration, error) {
		cfg := new(action.Configuration)
		logFunc := func(format string, v ...interface{}) {
			if log.GetSink() != nil {
				log.V(2).Info(fmt.Sprintf(format, v...), "component", "helm")
			}
		}
		if err := cfg.Init(settings.RESTClientGetter(), namespace, os.Getenv("HELM_DRIVER"), logFunc); err != nil {
			return nil, errors.Wrap(err, "init helm action config")
		}
		return cfg, nil
	}
	return d
}

func (d *HelmDeployer) Timeout() time.Duration { return d.Limit }

// HelmReleaseName is the per-unit release: <stack release>-<unit display name>.
func HelmReleaseName(req stack.UnitRequest) string {
	name := strings.ToLower(strings.ReplaceAll(req.Name, "_", "-"))
	if req.Release != "" {
		name = req.Release + "-" + name
	}
	if len(name) > maxHelmReleaseName {
		name = name[:maxHelmReleaseName]
	}
	return strings.TrimRight(name, "-.")
}

func (d *HelmDeployer) Deploy(ctx context.Context, req stack.UnitRequest) (stack.UnitOutput, error) {
	if d.ActionConfig == nil || d.Settings == nil {
		return nil, errors.New("helm deployer is not configured")
	}
	relName := HelmReleaseName(req)
	ch, err := d.loadChart(req)
	if err != nil {
		return nil, errors.Wrapf(err, "chart %s", req.Chart)
	}
	cfg, err := d.ActionConfig(req.Namespace)
	if err != nil {
		return nil, err
	}
	vals, err := chartValues(req)
	if err != nil {
		return nil, err
	}
	timeout := d.Limit
	if req.Unit != nil && req.Unit.Deploy.Timeout > 0 {
		timeout = req.Unit.Deploy.Timeout
	}
	if timeout <= 0 {
		timeout = defaultHelmTimeout
	}

	upgrade := action.NewUpgrade(cfg)
	upgrade.Namespace = req.Namespace
	upgrade.Timeout = timeout
	upgrade.Wait = d.Wait
	upgrade.Atomic = d.Atomic
	upgrade.Install = true

	rel, err := upgrade.RunWithContext(ctx, relName, ch, vals)
	if err != nil {
		if !isNoDeployedReleaseErr(err) {
			return nil, errors.Wrapf(err, "helm upgrade %s", relName)
		}
		if d.Log.GetSink() != nil {
			d.Log.V(1).Info("no deployed release; installing fresh", "release", relName, "namespace", req.Namespace)
		}
		install := action.NewInstall(cfg)
		install.ReleaseName = relName
		install.Namespace = req.Namespace
		install.Timeout = timeout
		install.Wait = d.Wait
		install.Atomic = d.Atomic
		install.CreateNamespace = d.CreateNamespace
		rel, err = install.RunWithContext(ctx, ch, vals)
		if err != nil {
			return nil, errors.Wrapf(err, "helm install %s", relName)
		}
	}
	if d.Log.GetSink() != nil {
		d.Log.Info("release deployed", "unit", req.FQN, "release", relName, "namespace", req.Namespace, "revision", revision(rel))
	}
	return RenderOutputs(req, relName)
}

func (d *HelmDeployer) loadChart(req stack.UnitRequest) (*chart.Chart, error) {
	src := req.Chart
	opts := action.ChartPathOptions{Version: src.Version}
	ref := src.Chart
	switch {
	case src.Custom():
		ref = resolve(req.Root, src.Path)
	case strings.Contains(src.Repository, "://"):
		opts.RepoURL = src.Repository
	case src.Repository != "":
		ref = src.Repository + "/" + src.Chart
	}
	path, err := opts.LocateChart(ref, d.Settings)
	if err != nil {
		return nil, errors.Wrap(err, "locate chart")
	}
	ch, err := loader.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "load chart")
	}
	if err := ensureInstallable(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// chartValues returns the resolved values with every resolved input set at
// its dotted path, so an input named db.host lands in values as db: {host: ...}.
// Inputs override values at the same path. Projects built as images also get
// image.repository and image.tag unless the result already sets image.
func chartValues(req stack.UnitRequest) (map[string]interface{}, error) {
	vals := copyValues(req.Config.Values)
	keys := make([]string, 0, len(req.Config.Inputs))
	for k := range req.Config.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.ContainsAny(k, "=,[]") {
			return nil, errors.Errorf("input %q cannot be used as a values path", k)
		}
		raw, err := json.Marshal(req.Config.Inputs[k])
		if err != nil {
			return nil, errors.Wrapf(err, "encode input %s", k)
		}
		if err := strvals.ParseJSON(k+"="+string(raw), vals); err != nil {
			return nil, errors.Wrapf(err, "set input %s", k)
		}
	}
	spec, ok := req.Build.(stack.DockerBuild)
	if !ok {
		return vals, nil
	}
	if _, set := vals["image"]; set {
		return vals, nil
	}
	label, err := ImageLabel(req.Name, spec)
	if err != nil {
		return vals, nil
	}
	vals["image"] = map[string]interface{}{
		"repository": strings.TrimSuffix(label, ":"+spec.Tag),
		"tag":        spec.Tag,
	}
	return vals, nil
}

func copyValues(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyValues(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func ensureInstallable(ch *chart.Chart) error {
	if ch.Metadata == nil {
		return errors.New("chart metadata missing")
	}
	chartType := ch.Metadata.Type
	if chartType == "" || chartType == "application" {
		return nil
	}
	return errors.Errorf("%s charts are not installable", chartType)
}

func isNoDeployedReleaseErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrReleaseNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "has no deployed releases")
}

func revision(rel *release.Release) int {
	if rel == nil {
		return 0
	}
	return rel.Version
}
