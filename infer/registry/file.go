package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/infer/models"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const lockRetryDelay = 20 * time.Millisecond

// FileStore keeps one JSON record per line. Writers hold an exclusive flock
// on a sibling lock file, readers a shared one, so several processes on
// the same filesystem can use it at once. Nothing is cached: every read
// goes back to the file.
type FileStore struct {
	dir     string
	timeout time.Duration
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, timeout: defaultTimeout}
}

// SetTimeout bounds how long an operation waits for the lock. Non-positive
// values keep the current bound.
func (s *FileStore) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

func (s *FileStore) Path() string {
	return filepath.Join(s.dir, consts.RegistryFileName)
}

func (s *FileStore) lockPath() string {
	return s.Path() + ".lock"
}

// withLock runs fn while holding the registry lock. Waiting for the lock
// gives up when ctx is done or the store timeout passes.
func (s *FileStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.MkdirAll(s.dir, 0700)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	fl := flock.New(s.lockPath())
	defer fl.Close()
	var locked bool
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.lockPath(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", s.lockPath())
	}
	defer fl.Unlock()
	return fn()
}

func (s *FileStore) Append(ctx context.Context, h *models.JobHandle) error {
	if err := validate(h); err != nil {
		return err
	}
	line, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.withLock(ctx, true, func() error {
		f, err := os.OpenFile(s.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		_, err = f.Write(append(line, '\n'))
		if err != nil {
			f.Close()
			return err
		}
		err = f.Sync()
		if err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// readAll returns the last record of every job id in file order. The lock
// must be held.
func (s *FileStore) readAll() ([]*models.JobHandle, error) {
	f, err := os.Open(s.Path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	index := make(map[string]int)
	var rslt []*models.JobHandle
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		h := new(models.JobHandle)
		if err := json.Unmarshal(sc.Bytes(), h); err != nil || h.JobID == "" {
			log.WithFields(log.Fields{"file": s.Path(), "line": lineNo}).Warnln("Skipping malformed registry record")
			continue
		}
		if i, ok := index[h.JobID]; ok {
			rslt[i] = h
			continue
		}
		index[h.JobID] = len(rslt)
		rslt = append(rslt, h)
	}
	return rslt, sc.Err()
}

func (s *FileStore) List(ctx context.Context) ([]*models.JobHandle, error) {
	var rslt []*models.JobHandle
	err := s.withLock(ctx, false, func() error {
		var err error
		rslt, err = s.readAll()
		return err
	})
	if err != nil {
		return nil, err
	}
	sortHandles(rslt)
	return rslt, nil
}

func (s *FileStore) Get(ctx context.Context, jobID string) (*models.JobHandle, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	h, ok := lo.Find(all, func(h *models.JobHandle) bool {
		return h.JobID == jobID
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return h, nil
}

// Remove rewrites the registry without the given jobs.
func (s *FileStore) Remove(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return s.withLock(ctx, true, func() error {
		all, err := s.readAll()
		if err != nil {
			return err
		}
		keep := lo.Reject(all, func(h *models.JobHandle, _ int) bool {
			return lo.Contains(jobIDs, h.JobID)
		})
		if len(keep) == len(all) {
			return nil
		}
		tmp, err := os.CreateTemp(s.dir, consts.RegistryFileName+".*.tmp")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		w := bufio.NewWriter(tmp)
		for _, h := range keep {
			line, err := json.Marshal(h)
			if err != nil {
				tmp.Close()
				return err
			}
			w.Write(line)
			w.WriteByte('\n')
		}
		err = w.Flush()
		if err == nil {
			err = tmp.Sync()
		}
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		return os.Rename(tmp.Name(), s.Path())
	})
}
