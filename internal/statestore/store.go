// Package statestore reads the launch records the container runtime persists
// as one JSON document per unit.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/g960059/ctrmux/internal/logging"
	"github.com/g960059/ctrmux/internal/model"
)

const recordSuffix = ".json"

type Store struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{dir: dir, logger: logger}
}

func (s *Store) Dir() string {
	return s.dir
}

// Load reads the record stored under the exact unit id.
func (s *Store) Load(id string) (model.LaunchRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return model.LaunchRecord{}, fmt.Errorf("%w: invalid id %q", model.ErrStateNotFound, id)
	}
	rec, err := s.readRecord(filepath.Join(s.dir, id+recordSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return model.LaunchRecord{}, fmt.Errorf("%w: %s", model.ErrStateNotFound, id)
	}
	return rec, err
}

// List returns every parseable record ordered by file name. Unreadable or
// malformed files are skipped.
func (s *Store) List() ([]model.LaunchRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]model.LaunchRecord, 0, len(names))
	for _, name := range names {
		rec, err := s.readRecord(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skip state record", "file", name, "err", err)
			continue
		}
		if rec.ID == "" {
			rec.ID = strings.TrimSuffix(name, recordSuffix)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Resolve finds the record for ref, which may be a full id, a unit name, or
// an id prefix. An exact id wins over an exact name, which wins over a
// prefix. More than one distinct candidate at the winning tier is reported
// as ErrAmbiguousState rather than guessed.
func (s *Store) Resolve(ref string) (model.LaunchRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.LaunchRecord{}, fmt.Errorf("%w: empty reference", model.ErrStateNotFound)
	}
	records, err := s.List()
	if err != nil {
		return model.LaunchRecord{}, err
	}
	var byName, byPrefix []model.LaunchRecord
	for _, rec := range records {
		if rec.ID == ref {
			return rec, nil
		}
		if rec.Name != "" && rec.Name == ref {
			byName = append(byName, rec)
		}
		if strings.HasPrefix(rec.ID, ref) {
			byPrefix = append(byPrefix, rec)
		}
	}
	for _, tier := range [][]model.LaunchRecord{byName, byPrefix} {
		switch len(tier) {
		case 0:
			continue
		case 1:
			return tier[0], nil
		default:
			ids := make([]string, 0, len(tier))
			for _, rec := range tier {
				ids = append(ids, rec.ID)
			}
			return model.LaunchRecord{}, fmt.Errorf("%w: %q matches %s", model.ErrAmbiguousState, ref, strings.Join(ids, ", "))
		}
	}
	return model.LaunchRecord{}, fmt.Errorf("%w: %s", model.ErrStateNotFound, ref)
}

func (s *Store) readRecord(path string) (model.LaunchRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.LaunchRecord{}, err
	}
	var rec model.LaunchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.LaunchRecord{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}
