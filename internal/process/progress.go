package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/ainews/internal/models"
	"go.uber.org/zap"
)

// Progress is the crawl progress reported by the subprocess.
type Progress struct {
	CurrentSource    string    `json:"current_source"`
	TotalSources     int       `json:"total_sources"`
	ProcessedSources int       `json:"processed_sources"`
	TotalArticles    int       `json:"total_articles"`
	Percent          float64   `json:"progress_percent"`
	LastUpdate       time.Time `json:"last_update,omitempty"`
}

// ProgressUpdate is a partial update; nil fields are left unchanged.
type ProgressUpdate struct {
	CurrentSource    *string `json:"current_source,omitempty"`
	TotalSources     *int    `json:"total_sources,omitempty"`
	ProcessedSources *int    `json:"processed_sources,omitempty"`
	TotalArticles    *int    `json:"total_articles,omitempty"`
}

// UpdateProgress applies u, recomputes the percentage and notifies
// OnProgress.
func (m *Manager) UpdateProgress(u ProgressUpdate) Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateProgressLocked(u)
}

func (m *Manager) updateProgressLocked(u ProgressUpdate) Progress {
	p := &m.progress
	if u.CurrentSource != nil {
		p.CurrentSource = *u.CurrentSource
	}
	if u.TotalSources != nil {
		p.TotalSources = *u.TotalSources
	}
	if u.ProcessedSources != nil {
		p.ProcessedSources = *u.ProcessedSources
	}
	if u.TotalArticles != nil {
		p.TotalArticles = *u.TotalArticles
	}
	p.Percent = percent(p.ProcessedSources, p.TotalSources)
	p.LastUpdate = time.Now()

	if m.deps.OnProgress != nil {
		m.deps.OnProgress(*p)
	}
	return *p
}

func percent(done, total int) float64 {
	if total < 1 {
		total = 1
	}
	return math.Round(float64(done)/float64(total)*1000) / 10
}

var (
	sourcesCountRe = regexp.MustCompile(`sources_count=(\d+)`)
	savedRe        = regexp.MustCompile(`saved=(\d+)`)
)

const processingMarker = "Processing source:"

// parseLine extracts a progress update from one output line. The first
// matching pattern wins.
func parseLine(line string, cur Progress) (ProgressUpdate, bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(line, processingMarker):
		src := strings.TrimSpace(line[strings.LastIndex(line, processingMarker)+len(processingMarker):])
		return ProgressUpdate{CurrentSource: &src}, true
	case strings.Contains(line, "processed") && strings.Contains(lower, "source"):
		n := cur.ProcessedSources + 1
		return ProgressUpdate{ProcessedSources: &n}, true
	case strings.Contains(line, "sources_count"):
		if m := sourcesCountRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			return ProgressUpdate{TotalSources: &n}, true
		}
	case strings.Contains(line, "saved") && strings.Contains(line, "rss_articles"):
		if m := savedRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			total := cur.TotalArticles + n
			return ProgressUpdate{TotalArticles: &total}, true
		}
	}
	return ProgressUpdate{}, false
}

// monitorOutput reads the merged stdout/stderr of r until it closes.
func (m *Manager) monitorOutput(r *run, out io.Reader) {
	log := m.logger.With(zap.Int("pid", r.pid))
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		m.mu.Lock()
		if m.cur == r {
			if u, ok := parseLine(line, m.progress); ok {
				m.updateProgressLocked(u)
			}
		}
		m.mu.Unlock()

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "exception"):
			log.Error("process output", zap.String("line", line))
		case strings.Contains(lower, "warning"):
			log.Warn("process output", zap.String("line", line))
		case strings.Contains(lower, "completed") || strings.Contains(lower, "processing"):
			log.Info("process output", zap.String("line", line))
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("output monitor stopped", zap.Error(err))
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, out)
	}
}

// snapshotLocked captures the persisted form of the current progress.
func (m *Manager) snapshotLocked() models.ProcessSnapshot {
	snap := models.ProcessSnapshot{
		StartTime:        m.startTime,
		CurrentSource:    m.progress.CurrentSource,
		TotalSources:     m.progress.TotalSources,
		ProcessedSources: m.progress.ProcessedSources,
		TotalArticles:    m.progress.TotalArticles,
		LastSave:         time.Now(),
	}
	if m.cur != nil {
		snap.PID = m.cur.pid
	}
	return snap
}

// saveSnapshot writes snap to the state file and, when attached, the store.
func (m *Manager) saveSnapshot(ctx context.Context, snap models.ProcessSnapshot) error {
	if m.cfg.StateFile != "" {
		if err := WriteStateFile(m.cfg.StateFile, snap); err != nil {
			return err
		}
	}
	if m.deps.Snapshots != nil {
		if _, err := m.deps.Snapshots.SaveProcessSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
	}
	return nil
}

// WriteStateFile atomically replaces path with snap as JSON.
func WriteStateFile(path string, snap models.ProcessSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// ReadStateFile loads a snapshot written by WriteStateFile.
func ReadStateFile(path string) (*models.ProcessSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap models.ProcessSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return &snap, nil
}
