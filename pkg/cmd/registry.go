// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/syftflow/syftflow/pkg/runner"
)

func registerNativeRunners(reg *runner.Registry) {
	reg.Register("exec", func(config map[string]any) (runner.Runner, error) {
		modulesRoot, ok := config["modules_root"].(string)
		if !ok || modulesRoot == "" {
			return nil, fmt.Errorf("exec runner requires a modules_root path")
		}

		workRoot, _ := config["work_root"].(string)

		return runner.NewExecRunner(modulesRoot, workRoot), nil
	})
}

func NewRunnerRegistry(log *slog.Logger) *runner.Registry {
	reg := runner.NewRegistry(log)

	registerNativeRunners(reg)

	return reg
}
