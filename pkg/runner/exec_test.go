package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModule(t *testing.T, root, ref, manifest, script string) {
	t.Helper()

	dir := filepath.Join(root, filepath.FromSlash(ref))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "module.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))
}

const echoManifest = `apiVersion: syftflow.org/v1
kind: Module
metadata:
  name: echo
spec:
  runner:
    entrypoint: run.sh
  outputs:
    - result
`

func TestExecRunnerRunsModule(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "util/echo", echoManifest,
		"#!/bin/sh\nprintf '{\"result\": \"%s\"}' \"$SYFTFLOW_INPUT_MESSAGE\" > outputs.json\n")

	r := NewExecRunner(modules, t.TempDir())

	outputs, err := r.Run(context.Background(), "util/echo", map[string]string{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"result": "hello"}, outputs)
}

func TestExecRunnerScratchDirLifecycle(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "util/echo", echoManifest,
		"#!/bin/sh\nprintf '{\"result\": \"ok\"}' > outputs.json\n")
	writeModule(t, modules, "util/fail", echoManifest,
		"#!/bin/sh\nexit 1\n")

	workRoot := t.TempDir()
	r := NewExecRunner(modules, workRoot)

	_, err := r.Run(context.Background(), "util/echo", nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "successful invocations must not leave scratch directories")

	_, err = r.Run(context.Background(), "util/fail", nil)
	require.Error(t, err)

	entries, err = os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed invocations keep their scratch directory")
}

func TestExecRunnerUnknownRef(t *testing.T) {
	r := NewExecRunner(t.TempDir(), t.TempDir())

	_, err := r.Run(context.Background(), "nope/missing", nil)

	var runErr *Error

	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindNotFound, runErr.Kind)
}

func TestExecRunnerMissingDeclaredOutput(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "util/echo", echoManifest,
		"#!/bin/sh\nprintf '{\"other\": \"x\"}' > outputs.json\n")

	r := NewExecRunner(modules, t.TempDir())

	_, err := r.Run(context.Background(), "util/echo", nil)

	var runErr *Error

	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindInvalidOutputs, runErr.Kind)
	assert.Contains(t, runErr.Error(), "result")
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "util/fail", echoManifest,
		"#!/bin/sh\necho 'boom' >&2\nexit 3\n")

	r := NewExecRunner(modules, t.TempDir())

	_, err := r.Run(context.Background(), "util/fail", nil)

	var runErr *Error

	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindExecFailed, runErr.Kind)
	assert.Contains(t, runErr.Error(), "boom")
}

func TestExecRunnerTimeout(t *testing.T) {
	modules := t.TempDir()
	writeModule(t, modules, "util/slow", echoManifest,
		"#!/bin/sh\nsleep 5\n")

	r := NewExecRunner(modules, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "util/slow", nil)

	var runErr *Error

	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindTimeout, runErr.Kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecRunnerValidatesInputSchema(t *testing.T) {
	modules := t.TempDir()
	manifest := `apiVersion: syftflow.org/v1
kind: Module
metadata:
  name: strict
spec:
  runner:
    entrypoint: run.sh
  inputs:
    type: object
    required: [message]
    properties:
      message:
        type: string
`
	writeModule(t, modules, "util/strict", manifest,
		"#!/bin/sh\nprintf '{}' > outputs.json\n")

	r := NewExecRunner(modules, t.TempDir())

	_, err := r.Run(context.Background(), "util/strict", map[string]string{})

	var runErr *Error

	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindInvalidInputs, runErr.Kind)
}

func TestLoadManifestRequiresEntrypoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "module.yaml"),
		[]byte("apiVersion: syftflow.org/v1\nkind: Module\nspec: {}\n"), 0o644))

	_, err := LoadManifest(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entrypoint")
}

func TestRegistryCreate(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("exec", func(config map[string]any) (Runner, error) {
		root, _ := config["modules_root"].(string)

		return NewExecRunner(root, os.TempDir()), nil
	})

	r, err := reg.Create("exec", map[string]any{"modules_root": "/tmp/modules"})
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = reg.Create("docker", nil)
	assert.Error(t, err)
}
