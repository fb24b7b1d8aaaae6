package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/syftflow/syftflow/pkg/log"
)

// ExecRunner runs modules as child processes. A module is a directory under
// the modules root containing a module.yaml and its entrypoint; inputs are
// passed as environment variables and outputs are read back from an
// outputs.json the module writes into its scratch directory.
type ExecRunner struct {
	modulesRoot string
	workRoot    string
}

// NewExecRunner creates a runner resolving module refs under modulesRoot and
// running each invocation in a scratch directory under workRoot. Invocation
// logs go to the context logger so run and step attributes travel along.
func NewExecRunner(modulesRoot, workRoot string) *ExecRunner {
	return &ExecRunner{
		modulesRoot: modulesRoot,
		workRoot:    workRoot,
	}
}

func (r *ExecRunner) Run(ctx context.Context, ref string, inputs map[string]string) (map[string]string, error) {
	moduleDir, err := r.resolve(ref)
	if err != nil {
		return nil, NewError(KindNotFound, ref, err)
	}

	manifest, err := LoadManifest(moduleDir)
	if err != nil {
		return nil, NewError(KindNotFound, ref, err)
	}

	if err := manifest.ValidateInputs(inputs); err != nil {
		return nil, NewError(KindInvalidInputs, ref, err)
	}

	workDir, err := os.MkdirTemp(r.workRoot, "step-")
	if err != nil {
		return nil, NewError(KindExecFailed, ref, err)
	}

	entrypoint := manifest.Spec.Runner.Entrypoint
	if !filepath.IsAbs(entrypoint) {
		entrypoint = filepath.Join(moduleDir, entrypoint)
	}

	cmd := exec.CommandContext(ctx, entrypoint, manifest.Spec.Runner.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), inputEnv(inputs)...)
	cmd.Env = append(cmd.Env,
		"SYFTFLOW_MODULE_DIR="+moduleDir,
		"SYFTFLOW_WORK_DIR="+workDir,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger := log.FromContext(ctx)
	logger.Debug("running module", "ref", ref, "entrypoint", entrypoint, "work_dir", workDir)

	// The scratch directory is kept on failure so the module's droppings can
	// be inspected; a retry gets a fresh one.
	if err := cmd.Run(); err != nil {
		logger.Debug("keeping scratch directory after failure", "work_dir", workDir)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(KindTimeout, ref, ctx.Err())
		}

		return nil, NewError(KindExecFailed, ref, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	outputs, err := readOutputs(workDir, manifest.Spec.Outputs)
	if err != nil {
		logger.Debug("keeping scratch directory after failure", "work_dir", workDir)

		return nil, NewError(KindInvalidOutputs, ref, err)
	}

	if err := os.RemoveAll(workDir); err != nil {
		logger.Warn("failed to remove scratch directory", "work_dir", workDir, "error", err)
	}

	return outputs, nil
}

// resolve maps a module ref like "gwas/generate" to its directory. Short
// refs also try a dash-separated directory name.
func (r *ExecRunner) resolve(ref string) (string, error) {
	candidates := []string{
		filepath.Join(r.modulesRoot, filepath.FromSlash(ref)),
		filepath.Join(r.modulesRoot, strings.ReplaceAll(ref, "_", "-")),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no module directory for ref %q under %s", ref, r.modulesRoot)
}

func readOutputs(workDir string, declared []string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(workDir, "outputs.json"))
	if err != nil {
		return nil, fmt.Errorf("module produced no outputs.json: %w", err)
	}

	var outputs map[string]string
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("malformed outputs.json: %w", err)
	}

	for _, name := range declared {
		if _, ok := outputs[name]; !ok {
			return nil, fmt.Errorf("declared output %q missing from outputs.json", name)
		}
	}

	return outputs, nil
}

func inputEnv(inputs map[string]string) []string {
	env := make([]string, 0, len(inputs))
	for name, value := range inputs {
		env = append(env, "SYFTFLOW_INPUT_"+strings.ToUpper(name)+"="+value)
	}

	return env
}
