package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json    (periodic snapshot of all subscriptions)
//   - <prefix>.journal.jsonl (append-only journal of commits)
//
// A commit appends one journal line; the journal is compacted into the state
// file every compactEvery commits and on Compact(). The state file is always
// replaced via temp file + rename so a crash mid-write never leaves a
// partially applied commit visible.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath   string
	journalFile *os.File
	snaps       map[string]snapshot.Snapshot

	writes int
}

const compactEvery = 256

type journalRecord struct {
	Name string            `json:"name"`
	Snap snapshot.Snapshot `json:"snapshot"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	statePath := prefix + ".state.json"
	journalPath := prefix + ".journal.jsonl"

	snaps := map[string]snapshot.Snapshot{}
	_ = loadState(statePath, snaps)
	_ = replayJournal(journalPath, snaps)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:         log,
		statePath:   statePath,
		journalFile: jf,
		snaps:       snaps,
	}, nil
}

func (s *fileStore) Get(_ context.Context, name string) (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[name]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *fileStore) Commit(_ context.Context, name string, snap snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}

	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Name: name, Snap: snap}); err != nil {
		return err
	}
	s.snaps[name] = snap

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journalFile.Close()
	s.journalFile = nil
	if err != nil {
		return err
	}
	return cerr
}

func (s *fileStore) compactLocked() error {
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.snaps); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadState(path string, out map[string]snapshot.Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]snapshot.Snapshot
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]snapshot.Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		// A torn tail line from a crash is skipped; the commit it carried
		// was never acknowledged.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Name == "" {
			continue
		}
		out[r.Name] = r.Snap
	}
	return sc.Err()
}
