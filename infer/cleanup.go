package infer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/infer/events"
	"github.com/lcpu-club/hpcinfer/infer/models"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

var ErrNoArchiver = fmt.Errorf("archive requested but no archive bucket is configured")

// CleanupFilter selects registry records. Empty fields match everything.
type CleanupFilter struct {
	ModelFamily string
	ModelName   string
	JobID       string
	// Only jobs with a numerically smaller id.
	BeforeJobID string
	// When set, files named <model>.<jobid>.log or .sbatch found in this
	// directory or its family subdirectories are cleaned up as well, also
	// for jobs the registry does not know.
	LogDir  string
	DryRun  bool
	Archive bool
}

func (f *CleanupFilter) validate() error {
	if f.BeforeJobID != "" {
		if _, err := strconv.ParseUint(f.BeforeJobID, 10, 64); err != nil {
			return fmt.Errorf("invalid job id bound %q", f.BeforeJobID)
		}
	}
	return nil
}

func (f *CleanupFilter) Match(h *models.JobHandle) bool {
	if f.ModelFamily != "" && h.ModelFamily != f.ModelFamily {
		return false
	}
	if f.ModelName != "" && h.ModelName != f.ModelName {
		return false
	}
	if f.JobID != "" && h.JobID != f.JobID {
		return false
	}
	if f.BeforeJobID != "" {
		bound, _ := strconv.ParseUint(f.BeforeJobID, 10, 64)
		id, err := strconv.ParseUint(h.JobID, 10, 64)
		if err != nil || id >= bound {
			return false
		}
	}
	return true
}

type CleanupReport struct {
	Jobs     []*models.JobHandle `json:"jobs"`
	Removed  []string            `json:"removed"`
	Archived []string            `json:"archived,omitempty"`
}

// Cleanup deletes scripts and logs of the selected jobs and drops their
// registry records. With DryRun nothing is changed and the report lists
// what would have been removed.
func (c *Client) Cleanup(ctx context.Context, filter CleanupFilter) (*CleanupReport, error) {
	err := filter.validate()
	if err != nil {
		return nil, err
	}
	if filter.Archive && c.archiver == nil {
		return nil, ErrNoArchiver
	}
	all, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{
		Jobs: lo.Filter(all, func(h *models.JobHandle, _ int) bool {
			return filter.Match(h)
		}),
	}
	registered := len(report.Jobs)
	if filter.LogDir != "" {
		found, err := scanLogDir(filter.LogDir)
		if err != nil {
			return nil, err
		}
		known := lo.SliceToMap(all, func(h *models.JobHandle) (string, bool) {
			return h.JobID, true
		})
		report.Jobs = append(report.Jobs, lo.Filter(found, func(h *models.JobHandle, _ int) bool {
			return !known[h.JobID] && filter.Match(h)
		})...)
	}
	for _, h := range report.Jobs {
		for _, p := range []string{h.ScriptPath, h.LogPath} {
			if p == "" {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if filter.DryRun {
				report.Removed = append(report.Removed, p)
				continue
			}
			if filter.Archive {
				key := archiveKey(c.configure.User, h, p)
				err = c.archiver.Archive(ctx, key, p)
				if err != nil {
					return report, fmt.Errorf("archive %s: %w", p, err)
				}
				report.Archived = append(report.Archived, key)
			}
			err = os.Remove(p)
			if err != nil && !os.IsNotExist(err) {
				return report, err
			}
			report.Removed = append(report.Removed, p)
		}
	}
	if filter.DryRun || len(report.Jobs) == 0 {
		return report, nil
	}
	ids := lo.Map(report.Jobs[:registered], func(h *models.JobHandle, _ int) string {
		return h.JobID
	})
	if len(ids) > 0 {
		err = c.store.Remove(ctx, ids...)
		if err != nil {
			return report, err
		}
	}
	for _, h := range report.Jobs {
		c.report(ctx, events.NewEvent(consts.EventTypeCleanedUp, h.JobID, h.ModelName))
	}
	log.WithField("jobs", len(report.Jobs)).Infoln("Cleanup finished")
	return report, nil
}

func archiveKey(user string, h *models.JobHandle, file string) string {
	family := h.ModelFamily
	if family == "" {
		family = "unknown"
	}
	return path.Join(user, family, filepath.Base(file))
}

var jobFilePattern = regexp.MustCompile(`^(.+)\.(\d+)(` +
	regexp.QuoteMeta(consts.LogFileSuffix) + `|` + regexp.QuoteMeta(consts.ScriptFileSuffix) + `)$`)

// scanLogDir collects job files in dir and its direct subdirectories, which
// are named after the model family.
func scanLogDir(dir string) ([]*models.JobHandle, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rslt []*models.JobHandle
	byKey := make(map[string]*models.JobHandle)
	add := func(family string, dir string, name string) {
		m := jobFilePattern.FindStringSubmatch(name)
		if m == nil {
			return
		}
		key := family + "/" + m[1] + "." + m[2]
		h, ok := byKey[key]
		if !ok {
			h = &models.JobHandle{JobID: m[2], ModelName: m[1], ModelFamily: family}
			byKey[key] = h
			rslt = append(rslt, h)
		}
		if m[3] == consts.LogFileSuffix {
			h.LogPath = filepath.Join(dir, name)
		} else {
			h.ScriptPath = filepath.Join(dir, name)
		}
	}
	for _, e := range entries {
		if !e.IsDir() {
			add("", dir, e.Name())
			continue
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			log.WithError(err).WithField("dir", sub).Warnln("Cannot read log directory")
			continue
		}
		for _, f := range files {
			if !f.IsDir() {
				add(e.Name(), sub, f.Name())
			}
		}
	}
	return rslt, nil
}
