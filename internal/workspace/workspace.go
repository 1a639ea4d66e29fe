package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Workspace is the local directory an instance's tools operate in when
// no sandbox backend is configured.
type Workspace struct {
	InstanceID string
	Path       string
	// RepoPath is the root the agent's filesystem is scoped to.
	RepoPath string
}

type Metadata struct {
	InstanceID string `json:"instance_id"`
	Kind       string `json:"kind"`
	Task       string `json:"task"`
	Team       string `json:"team,omitempty"`
	SourceRepo string `json:"source_repo,omitempty"`
}

var ErrNotExist = errors.New("workspace does not exist")

func dir(baseDir, instanceID string) string {
	return filepath.Join(baseDir, "instance-"+instanceID)
}

// Create makes the workspace for instanceID. When sourceRepo is set the
// repo directory is a detached git worktree at the source's HEAD.
func Create(baseDir, instanceID, sourceRepo string) (*Workspace, error) {
	path := dir(baseDir, instanceID)

	w := &Workspace{
		InstanceID: instanceID,
		Path:       path,
		RepoPath:   filepath.Join(path, "repo"),
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	if sourceRepo != "" {
		if err := w.createWorktree(sourceRepo); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(w.RepoPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create repo directory: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(path, ".shopfloor"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	return w, nil
}

func (w *Workspace) createWorktree(sourceRepo string) error {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = absRepo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = absRepo
	shaOut, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	sha := strings.TrimSpace(string(shaOut))

	cmd = exec.Command("git", "worktree", "add", "--detach", w.RepoPath, sha)
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create worktree: %s", string(output))
	}

	return nil
}

func Open(baseDir, instanceID string) (*Workspace, error) {
	path := dir(baseDir, instanceID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: instance %s", ErrNotExist, instanceID)
	}

	return &Workspace{
		InstanceID: instanceID,
		Path:       path,
		RepoPath:   filepath.Join(path, "repo"),
	}, nil
}

// OpenOrCreate reopens an existing workspace so a resumed instance sees the
// files its earlier steps wrote.
func OpenOrCreate(baseDir, instanceID, sourceRepo string) (*Workspace, error) {
	w, err := Open(baseDir, instanceID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotExist) {
		return nil, err
	}
	return Create(baseDir, instanceID, sourceRepo)
}

func (w *Workspace) WriteMetadata(meta *Metadata) error {
	path := filepath.Join(w.Path, ".shopfloor", "instance.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write instance.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, ".shopfloor", "instance.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read instance metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse instance metadata: %w", err)
	}
	return &meta, nil
}

// Remove deletes the workspace, unregistering its worktree first if it
// has one.
func (w *Workspace) Remove() error {
	if _, err := os.Stat(filepath.Join(w.RepoPath, ".git")); err == nil {
		cmd := exec.Command("git", "worktree", "remove", "--force", w.RepoPath)
		cmd.Dir = w.RepoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to remove worktree: %s", string(output))
		}
	}
	if err := os.RemoveAll(w.Path); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}
