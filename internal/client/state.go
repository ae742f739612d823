package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

const stateFileName = "client-state.json"

// State is what the client remembers between runs: the rooms to rejoin on
// the next start.
type State struct {
	Email string  `json:"email,omitempty"`
	Rooms []int64 `json:"rooms"`
}

func stateFilePath(dir string) string {
	return filepath.Join(dir, stateFileName)
}

// LoadState reads the persisted state. A missing file yields an empty State.
func LoadState(dir string) (State, error) {
	data, err := os.ReadFile(stateFilePath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("client: failed to read state file: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("client: corrupted state file: %w", err)
	}
	return s, nil
}

// SaveState writes the state atomically via temp file + rename.
func SaveState(dir string, s State) error {
	rooms := append([]int64(nil), s.Rooms...)
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	s.Rooms = rooms

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("client: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("client: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "client-state.*.tmp")
	if err != nil {
		return fmt.Errorf("client: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("client: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("client: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(dir)); err != nil {
		return fmt.Errorf("client: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// MergeRooms returns the union of a and b without duplicates, in first-seen
// order.
func MergeRooms(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, id := range list {
			if _, dup := seen[id]; dup || id <= 0 {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
