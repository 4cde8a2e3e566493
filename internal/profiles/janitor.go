package profiles

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/metrics"
)

// LiveFunc reports whether a profile directory is referenced by a live
// session and must not be touched.
type LiveFunc func(path string) bool

// Janitor periodically prunes stale profile directories under the
// store root.
type Janitor struct {
	store      *Store
	maxAge     time.Duration
	interval   time.Duration
	live       LiveFunc
	helperCmd  string // optional external cleanup command
	maxAgeHrs  int
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewJanitor creates a janitor. helperCmd may be empty; when set it is
// invoked after the native scan with the root and max-age as argv.
func NewJanitor(store *Store, maxAgeHours int, interval time.Duration, live LiveFunc, helperCmd string) *Janitor {
	return &Janitor{
		store:     store,
		maxAge:    time.Duration(maxAgeHours) * time.Hour,
		maxAgeHrs: maxAgeHours,
		interval:  interval,
		live:      live,
		helperCmd: helperCmd,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background pruning loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
	log.Info().
		Str("root", j.store.Root()).
		Dur("interval", j.interval).
		Dur("max_age", j.maxAge).
		Msg("Profile janitor started")
}

// Stop terminates the loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned := j.Prune(time.Now())
			if pruned > 0 {
				log.Info().Int("pruned", pruned).Msg("Stale profile directories removed")
			}
			j.runHelper()
		case <-j.stopCh:
			return
		}
	}
}

// Prune removes managed directories older than the max age. Directories
// referenced by live sessions are skipped; locked directories fail
// silently and are retried next interval. Returns the number removed.
func (j *Janitor) Prune(now time.Time) int {
	entries, err := os.ReadDir(j.store.Root())
	if err != nil {
		log.Warn().Err(err).Str("root", j.store.Root()).Msg("Profile scan failed")
		return 0
	}

	pruned := 0
	for _, e := range entries {
		if !e.IsDir() || !IsManagedDir(e.Name()) {
			continue
		}
		path := filepath.Join(j.store.Root(), e.Name())
		if j.live != nil && j.live(path) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= j.maxAge {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			// In use by a process the registry doesn't know about.
			log.Debug().Err(err).Str("path", path).Msg("Profile directory locked, will retry")
			continue
		}
		metrics.ProfilesPruned.Inc()
		pruned++
	}
	return pruned
}

// runHelper invokes the optional host-level cleanup script. Non-zero
// exit is logged, never fatal.
func (j *Janitor) runHelper() {
	if j.helperCmd == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, j.helperCmd, j.store.Root(), strconv.Itoa(j.maxAgeHrs))
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Warn().
			Err(err).
			Str("cmd", j.helperCmd).
			Str("output", string(out)).
			Msg("Profile cleanup helper failed")
	}
}
