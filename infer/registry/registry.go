package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infer/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNotFound = fmt.Errorf("job not in registry")
	ErrBadJobID = fmt.Errorf("invalid job id")
)

// Store is the local job registry. Records are keyed by job id; appending
// an existing id replaces the record. Records are only removed by Remove.
type Store interface {
	Append(ctx context.Context, h *models.JobHandle) error
	Get(ctx context.Context, jobID string) (*models.JobHandle, error)
	List(ctx context.Context) ([]*models.JobHandle, error)
	Remove(ctx context.Context, jobIDs ...string) error
}

// New returns the store selected by the configuration.
func New(conf *configure.RegistryConfigure) (Store, error) {
	switch conf.Backend {
	case configure.RegistryBackendFile, "":
		s := NewFileStore(conf.Path)
		s.SetTimeout(conf.Timeout)
		return s, nil
	case configure.RegistryBackendRedis:
		if conf.Redis == nil {
			return nil, fmt.Errorf("registry: redis backend without redis configuration")
		}
		s := NewRedisStore(NewRedisPool(conf.Redis, conf.Timeout), conf.Redis.Key)
		s.SetTimeout(conf.Timeout)
		return s, nil
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", conf.Backend)
	}
}

func validate(h *models.JobHandle) error {
	if h == nil || h.JobID == "" {
		return ErrBadJobID
	}
	return nil
}

// sortHandles orders by numeric job id, falling back to string order.
func sortHandles(hs []*models.JobHandle) {
	sort.Slice(hs, func(i, j int) bool {
		a, errA := strconv.ParseUint(hs[i].JobID, 10, 64)
		b, errB := strconv.ParseUint(hs[j].JobID, 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return hs[i].JobID < hs[j].JobID
	})
}
