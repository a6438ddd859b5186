package freeze

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// stateFile persists the active request set so a restarted node comes back frozen.
type stateFile struct {
	path string
}

type stateDoc struct {
	Requests []Request `json:"requests"`
}

func (s *stateFile) load() ([]Request, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read freeze state: %w", err)
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse freeze state %s: %w", s.path, err)
	}
	return doc.Requests, nil
}

// save writes the state atomically: temp file, fsync, rename.
func (s *stateFile) save(requests []Request) error {
	if len(requests) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove freeze state: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(stateDoc{Requests: requests}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal freeze state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create freeze state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".freeze-state-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write freeze state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync freeze state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close freeze state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename freeze state: %w", err)
	}
	return nil
}
