package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transcript is the YAML form of a saved session.
type Transcript struct {
	ID          string    `yaml:"id"`
	ProjectPath string    `yaml:"project_path,omitempty"`
	SavedAt     time.Time `yaml:"saved_at"`
	Turns       []Turn    `yaml:"turns"`
}

// Save writes the session history and project path to path.
func Save(path string, s *Session) error {
	t := Transcript{
		ID:          s.ID,
		ProjectPath: s.State.ProjectPath,
		SavedAt:     time.Now().UTC(),
		Turns:       s.History(),
	}
	data, err := yaml.Marshal(&t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create transcript dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// TryResume loads a transcript. A missing file is not an error and returns nil.
func TryResume(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var t Transcript
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", path, err)
	}
	return &t, nil
}

// Restore creates a session from a transcript, carrying over its id, history
// and project path.
func Restore(t *Transcript, state *State, opts ...Option) *Session {
	if state == nil {
		state = &State{}
	}
	if state.ProjectPath == "" && t.ProjectPath != "" {
		state.ProjectPath = t.ProjectPath
	}
	opts = append([]Option{WithID(t.ID), WithHistory(t.Turns)}, opts...)
	return New(state, opts...)
}
