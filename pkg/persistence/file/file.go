// Package file provides file-based persistence for runs and step states.
// Each run is one JSON document under the root directory, which keeps a
// single-party desktop deployment dependency-free.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file
// system.
type Persistence struct {
	root string
	mu   sync.RWMutex
}

type runDocument struct {
	Run        *models.Run         `json:"run"`
	StepStates []*models.StepState `json:"step_states,omitempty"`
}

// NewPersistence creates a file persistence layer rooted at the given
// directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Close performs any necessary cleanup. Nothing to release for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory is usable.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return os.MkdirAll(p.runsDir(), 0o755)
}

func (p *Persistence) Runs(_ context.Context) ([]*models.Run, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries, err := os.ReadDir(p.runsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []*models.Run

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		doc, err := p.readDocument(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}

		runs = append(runs, doc.Run)
	}

	return runs, nil
}

func (p *Persistence) SaveRun(_ context.Context, run *models.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.readDocument(run.ID)
	if err != nil && !persistence.IsRunNotFound(err) {
		return err
	}

	if doc == nil {
		doc = &runDocument{}
	}

	doc.Run = run

	return p.writeDocument(run.ID, doc)
}

func (p *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	doc, err := p.readDocument(id)
	if err != nil {
		return nil, err
	}

	return doc.Run, nil
}

func (p *Persistence) DeleteRun(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := os.Remove(p.runPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewRunError("Delete", id, persistence.ErrRunNotFound)
	}

	return err
}

func (p *Persistence) StepStates(_ context.Context, runID string) ([]*models.StepState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	doc, err := p.readDocument(runID)
	if err != nil {
		return nil, err
	}

	return doc.StepStates, nil
}

func (p *Persistence) SaveStepState(_ context.Context, state *models.StepState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.readDocument(state.RunID)
	if err != nil {
		return &persistence.StepStateError{Op: "SaveStepState", RunID: state.RunID, StepID: state.StepID, Err: err}
	}

	replaced := false

	for i, existing := range doc.StepStates {
		if existing.StepID == state.StepID {
			doc.StepStates[i] = state
			replaced = true

			break
		}
	}

	if !replaced {
		doc.StepStates = append(doc.StepStates, state)
	}

	return p.writeDocument(state.RunID, doc)
}

func (p *Persistence) runsDir() string {
	return filepath.Join(p.root, "runs")
}

func (p *Persistence) runPath(id string) string {
	return filepath.Join(p.runsDir(), id+".json")
}

func (p *Persistence) readDocument(id string) (*runDocument, error) {
	data, err := os.ReadFile(p.runPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewRunError("Read", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("Read", id, err)
	}

	var doc runDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, persistence.NewRunError("Read", id, err)
	}

	return &doc, nil
}

// writeDocument writes atomically so a crash mid-save never leaves a
// truncated run file behind.
func (p *Persistence) writeDocument(id string, doc *runDocument) error {
	if err := os.MkdirAll(p.runsDir(), 0o755); err != nil {
		return persistence.NewRunError("Save", id, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return persistence.NewRunError("Save", id, err)
	}

	tmp := p.runPath(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return persistence.NewRunError("Save", id, err)
	}

	if err := os.Rename(tmp, p.runPath(id)); err != nil {
		return persistence.NewRunError("Save", id, err)
	}

	return nil
}
