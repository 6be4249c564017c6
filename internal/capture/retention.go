package capture

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/mqtt-recorder/internal/clock"
	"github.com/tinytelemetry/mqtt-recorder/internal/metrics"
	"github.com/tinytelemetry/mqtt-recorder/internal/recordstore"
)

const defaultRetentionTick = time.Hour

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	Layout        recordstore.Layout
	RetentionDays int
	// Active lists the files currently being written; their directories
	// are never removed.
	Active func() []string
	Clock  clock.Clock
	Logger logrus.FieldLogger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// RetentionCleaner periodically deletes date directories older than the
// configured retention period.
type RetentionCleaner struct {
	cfg      RetentionConfig
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRetentionCleaner creates a retention cleaner and runs a first cleanup
// right away. Returns nil when RetentionDays is 0 (disabled).
func NewRetentionCleaner(cfg RetentionConfig) *RetentionCleaner {
	if cfg.RetentionDays <= 0 {
		return nil
	}
	rc := &RetentionCleaner{cfg: withRetentionDefaults(cfg), done: make(chan struct{})}

	// Startup cleanup to catch up after downtime.
	rc.Cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()

	return rc
}

func withRetentionDefaults(cfg RetentionConfig) RetentionConfig {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return cfg
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(defaultRetentionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.Cleanup()
		case <-rc.done:
			return
		}
	}
}

// Cleanup removes every date directory whose whole day ended more than
// RetentionDays before now. A date directory is one that holds capture
// files. It returns the number of directories removed.
func (rc *RetentionCleaner) Cleanup() int {
	loc := rc.cfg.Layout.Location
	if loc == nil {
		loc = time.Local
	}
	cutoff := rc.cfg.Clock.Now().In(loc).AddDate(0, 0, -rc.cfg.RetentionDays)

	keep := make(map[string]struct{})
	if rc.cfg.Active != nil {
		for _, p := range rc.cfg.Active() {
			keep[filepath.Dir(p)] = struct{}{}
		}
	}

	removed := 0
	root := rc.cfg.Layout.Root
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		day, ok := recordstore.ParseDateDir(d.Name(), loc)
		if !ok || !holdsCaptureFiles(path, loc) {
			return nil
		}
		if day.AddDate(0, 0, 1).After(cutoff) {
			return fs.SkipDir
		}
		if _, active := keep[path]; active {
			return fs.SkipDir
		}
		if err := os.RemoveAll(path); err != nil {
			rc.cfg.Logger.WithError(err).WithField("dir", path).Warn("capture: retention cleanup failed")
			return fs.SkipDir
		}
		removed++
		return fs.SkipDir
	})
	if err != nil && !os.IsNotExist(err) {
		rc.cfg.Logger.WithError(err).Warn("capture: retention walk failed")
	}
	if removed > 0 {
		rc.cfg.Metrics.RetentionRemoved.Add(float64(removed))
		rc.cfg.Logger.WithFields(logrus.Fields{
			"dirs": removed,
			"days": rc.cfg.RetentionDays,
			"root": root,
		}).Info("capture: retention cleanup removed expired capture directories")
	}
	return removed
}

// holdsCaptureFiles reports whether dir directly contains capture files.
// A topic segment that happens to look like a date does not.
func holdsCaptureFiles(dir string, loc *time.Location) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := recordstore.ParseFileName(e.Name(), loc); err == nil {
			return true
		}
	}
	return false
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
