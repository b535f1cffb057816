package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

// compactEvery is the number of journal writes between snapshot compactions.
const compactEvery = 500

// fileStore is a database-free backend. Reads are served from memory.
//
// Files:
//   - <prefix>.snapshot.json     (jobs + prompts, rewritten on compaction)
//   - <prefix>.journal.jsonl     (append-only job/prompt mutations)
//   - <prefix>.executions.jsonl  (append-only attempts)
type fileStore struct {
	*Memory
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	execs        *os.File
	writes       int
}

type snapshot struct {
	Jobs    map[string]*job.Job `json:"jobs"`
	Prompts map[string]Prompt   `json:"prompts"`
}

type journalRecord struct {
	Op        string     `json:"op"`
	Job       *job.Job   `json:"job,omitempty"`
	ID        string     `json:"id,omitempty"`
	Status    job.Status `json:"status,omitempty"`
	NextRunAt time.Time  `json:"next_run_at,omitempty"`
	Prompt    *Prompt    `json:"prompt,omitempty"`
}

const (
	opPut    = "put"
	opDelete = "delete"
	opStatus = "status"
	opPrompt = "prompt"
)

func openFile(cfg Config, log logx.Logger) (Repository, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.WithHint(errors.New("storage path is required for the file driver"), "set storage.path")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	s := &fileStore{
		Memory:       NewMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
	}
	journalPath := prefix + ".journal.jsonl"
	execPath := prefix + ".executions.jsonl"

	if err := s.loadSnapshot(); err != nil && !os.IsNotExist(errors.UnwrapAll(err)) {
		log.Warn("storage.snapshot_unreadable", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !os.IsNotExist(errors.UnwrapAll(err)) {
		return nil, errors.Wrap(err, "replay journal")
	}
	if err := s.replayExecutions(execPath); err != nil && !os.IsNotExist(errors.UnwrapAll(err)) {
		return nil, errors.Wrap(err, "replay executions")
	}

	var err error
	s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	s.execs, err = os.OpenFile(execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = s.journal.Close()
		return nil, errors.Wrap(err, "open executions")
	}
	return s, nil
}

func (s *fileStore) SaveJob(ctx context.Context, j *job.Job) error {
	if j == nil {
		return nil
	}
	if err := s.Memory.SaveJob(ctx, j); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opPut, Job: j})
}

func (s *fileStore) DeleteJob(ctx context.Context, id string) error {
	if err := s.Memory.DeleteJob(ctx, id); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opDelete, ID: id})
}

func (s *fileStore) UpdateJobStatus(ctx context.Context, id string, status job.Status, nextRunAt time.Time) error {
	if err := s.Memory.UpdateJobStatus(ctx, id, status, nextRunAt); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opStatus, ID: id, Status: status, NextRunAt: nextRunAt})
}

func (s *fileStore) SavePrompt(ctx context.Context, p Prompt) error {
	if err := s.Memory.SavePrompt(ctx, p); err != nil {
		return err
	}
	stored, err := s.Memory.GetPrompt(ctx, p.Name)
	if err != nil {
		return err
	}
	return s.append(journalRecord{Op: opPrompt, Prompt: &stored})
}

func (s *fileStore) AppendExecutionResult(ctx context.Context, jobID string, a job.ExecutionAttempt) error {
	if err := s.Memory.AppendExecutionResult(ctx, jobID, a); err != nil {
		return err
	}
	a.JobID = jobID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.execs).Encode(a)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.journal != nil {
		if cerr := s.compactLocked(); cerr != nil {
			s.log.Warn("storage.compact_failed", logx.Err(cerr))
		}
		err = s.journal.Close()
		s.journal = nil
	}
	if s.execs != nil {
		if cerr := s.execs.Close(); err == nil {
			err = cerr
		}
		s.execs = nil
	}
	_ = s.Memory.Close()
	return err
}

func (s *fileStore) append(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return errors.Wrap(err, "append journal")
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage.compact_failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the current state to the snapshot and truncates the
// journal. Call with s.mu held.
func (s *fileStore) compactLocked() error {
	s.Memory.mu.Lock()
	b, err := json.Marshal(snapshot{Jobs: s.Memory.jobs, Prompts: s.Memory.prompts})
	s.Memory.mu.Unlock()
	if err != nil {
		return err
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return errors.Wrap(err, "decode snapshot")
	}
	for id, j := range snap.Jobs {
		if j != nil {
			s.Memory.jobs[id] = j
		}
	}
	for name, p := range snap.Prompts {
		s.Memory.prompts[name] = p
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash.
			continue
		}
		switch r.Op {
		case opPut:
			if r.Job != nil {
				s.Memory.jobs[r.Job.ID] = r.Job
			}
		case opDelete:
			delete(s.Memory.jobs, r.ID)
			delete(s.Memory.execs, r.ID)
		case opStatus:
			if j, ok := s.Memory.jobs[r.ID]; ok {
				j.Status = r.Status
				j.NextRunAt = r.NextRunAt
			}
		case opPrompt:
			if r.Prompt != nil {
				s.Memory.prompts[r.Prompt.Name] = *r.Prompt
			}
		}
	}
	return sc.Err()
}

func (s *fileStore) replayExecutions(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var a job.ExecutionAttempt
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil || a.JobID == "" {
			continue
		}
		if _, ok := s.Memory.jobs[a.JobID]; !ok {
			continue
		}
		s.Memory.execs[a.JobID] = append(s.Memory.execs[a.JobID], a)
	}
	return sc.Err()
}
