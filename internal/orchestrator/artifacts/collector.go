// Package artifacts snapshots team output: per-instance workspace
// mirrors, terminal logs, and metadata, gathered into a timestamped
// collection directory with optional compression and retention.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

const collectTimeFormat = "2006-01-02_15-04-05"

// Collector gathers artifacts for a team of instances.
type Collector struct {
	registry *instance.Registry
	adapter  *tmux.Adapter
	audit    *audit.Emitter
	logger   *logger.Logger
	cfg      config.ArtifactsConfig
	root     string
}

// NewCollector creates a collector writing under root.
func NewCollector(registry *instance.Registry, adapter *tmux.Adapter, emitter *audit.Emitter, cfg config.ArtifactsConfig, root string, log *logger.Logger) *Collector {
	return &Collector{
		registry: registry,
		adapter:  adapter,
		audit:    emitter,
		logger:   log.WithComponent("artifacts"),
		cfg:      cfg,
		root:     root,
	}
}

// InstanceResult is the per-instance outcome of a collection. Instance
// carries the full registry snapshot at collection time: identity, role,
// model, parent, state, and the usage counters.
type InstanceResult struct {
	InstanceID string        `json:"instance_id"`
	Name       string        `json:"name"`
	Instance   instance.Info `json:"instance"`
	Files      int           `json:"files"`
	Bytes      int64         `json:"bytes"`
	Error      string        `json:"error,omitempty"`
}

// ExecutionSummary totals the team's run at collection time.
type ExecutionSummary struct {
	Instances        int     `json:"instances"`
	TokensUsed       int64   `json:"tokens_used"`
	Cost             float64 `json:"cost"`
	WallClockSeconds float64 `json:"wall_clock_seconds"`
	Errors           int     `json:"errors"`
	AllCompleted     bool    `json:"all_completed"`
}

// Result describes one completed collection.
type Result struct {
	TeamSessionID string           `json:"team_session_id"`
	Path          string           `json:"path"`
	ArchivePath   string           `json:"archive_path,omitempty"`
	CollectedAt   time.Time        `json:"collected_at"`
	Instances     []InstanceResult `json:"instances"`
	Summary       ExecutionSummary `json:"execution_summary"`
	AllCompleted  bool             `json:"all_completed"`
}

// Collect snapshots every member of teamID, terminated members included.
// Per-instance failures are isolated: the collection continues and the
// result reports which members failed.
func (c *Collector) Collect(ctx context.Context, teamID string) (*Result, error) {
	if strings.TrimSpace(teamID) == "" {
		return nil, errkind.New(errkind.EmptyTeamID, "team_session_id must not be empty")
	}
	if !instance.ValidTeamID(teamID) {
		return nil, errkind.New(errkind.EmptyTeamID,
			"team_session_id %q must match [A-Za-z0-9_-]+", teamID)
	}
	members := c.registry.TeamMembers(teamID)
	if len(members) == 0 {
		return nil, errkind.New(errkind.NoMembers, "no instances tagged with team %q", teamID)
	}

	dir, err := c.makeCollectionDir(teamID)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, err, "create collection directory")
	}

	results := make([]InstanceResult, len(members))
	g, ctx := errgroup.WithContext(ctx)
	for n, member := range members {
		g.Go(func() error {
			res := c.collectInstance(ctx, dir, member)
			results[n] = res
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{
		TeamSessionID: teamID,
		Path:          dir,
		CollectedAt:   time.Now().UTC(),
		Instances:     results,
		AllCompleted:  true,
	}
	for _, r := range results {
		if r.Error != "" {
			result.AllCompleted = false
		}
	}
	result.Summary = summarize(result)

	if err := c.writeAggregate(dir, result); err != nil {
		c.logger.Warn("aggregate metadata write failed", zap.Error(err))
	}

	// The archive sits next to the collection directory; the directory
	// itself is kept so prior output is never removed.
	if c.cfg.Compress {
		archive, err := compressDir(dir)
		if err != nil {
			c.logger.Warn("compression failed, directory only", zap.Error(err))
		} else {
			result.ArchivePath = archive
		}
	}

	c.audit.Emit(audit.EventArtifactCollect, "collect_artifacts", "", map[string]interface{}{
		"team_session_id": teamID,
		"members":         len(members),
		"all_completed":   result.AllCompleted,
	})
	return result, nil
}

// summarize rolls the per-instance snapshots up into the totals block of
// the top-level metadata. Wall clock spans from the earliest member
// creation to collection time.
func summarize(result *Result) ExecutionSummary {
	sum := ExecutionSummary{
		Instances:    len(result.Instances),
		AllCompleted: result.AllCompleted,
	}
	var earliest time.Time
	for _, r := range result.Instances {
		sum.TokensUsed += r.Instance.TokensUsed
		sum.Cost += r.Instance.Cost
		if r.Error != "" {
			sum.Errors++
		}
		if created := r.Instance.CreatedAt; !created.IsZero() {
			if earliest.IsZero() || created.Before(earliest) {
				earliest = created
			}
		}
	}
	if !earliest.IsZero() {
		sum.WallClockSeconds = result.CollectedAt.Sub(earliest).Seconds()
	}
	return sum
}

// makeCollectionDir creates {root}/{timestamp}-{team}, appending a
// numeric suffix when two collections land in the same second.
func (c *Collector) makeCollectionDir(teamID string) (string, error) {
	base := fmt.Sprintf("%s-%s", time.Now().UTC().Format(collectTimeFormat), teamID)
	for attempt := 0; ; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s-%d", base, attempt+1)
		}
		dir := filepath.Join(c.root, name)
		err := os.MkdirAll(filepath.Dir(dir), 0o755)
		if err != nil {
			return "", err
		}
		err = os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
		if attempt > 100 {
			return "", fmt.Errorf("no free collection directory name for %s", base)
		}
	}
}

func (c *Collector) collectInstance(ctx context.Context, dir string, inst *instance.Instance) InstanceResult {
	res := InstanceResult{InstanceID: inst.ID, Name: inst.Name, Instance: inst.Snapshot()}
	instDir := filepath.Join(dir, "instances", inst.ID)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		res.Error = err.Error()
		return res
	}

	meta, err := json.MarshalIndent(res.Instance, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(instDir, "metadata.json"), meta, 0o644)
	}
	if err != nil {
		res.Error = err.Error()
	}

	pane := inst.LastPane()
	if inst.State().Live() && inst.Session != nil {
		if live, err := c.adapter.CapturePane(ctx, inst.Session); err == nil {
			pane = live
		}
	}
	if pane != "" {
		if err := os.WriteFile(filepath.Join(instDir, "output.log"), []byte(pane), 0o644); err != nil && res.Error == "" {
			res.Error = err.Error()
		}
	}

	files, bytes, err := c.mirrorWorkspace(inst.WorkspacePath, filepath.Join(instDir, "workspace"))
	res.Files = files
	res.Bytes = bytes
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	return res
}

// mirrorWorkspace copies the workspace subtree, honoring the include and
// exclude patterns. Symlinks are skipped.
func (c *Collector) mirrorWorkspace(src, dst string) (int, int64, error) {
	if src == "" {
		return 0, 0, nil
	}
	if _, err := os.Stat(src); err != nil {
		return 0, 0, err
	}

	files := 0
	var total int64
	err := filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if matchAny(c.cfg.ExcludePatterns, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(c.cfg.Patterns) > 0 && !matchAny(c.cfg.Patterns, rel) {
			return nil
		}
		n, err := copyFile(p, filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		files++
		total += n
		return nil
	})
	return files, total, err
}

func (c *Collector) writeAggregate(dir string, result *Result) error {
	meta, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Team %s artifacts\n\nCollected %s.\n\n",
		result.TeamSessionID, result.CollectedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "| instance | name | role | files | bytes | status |\n|---|---|---|---|---|---|\n")
	for _, r := range result.Instances {
		status := "ok"
		if r.Error != "" {
			status = "failed: " + r.Error
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %d | %d | %s |\n",
			r.InstanceID, r.Name, r.Instance.Role, r.Files, r.Bytes, status)
	}
	fmt.Fprintf(&sb, "\nTotals: %d instances, %d tokens, %.4f cost, %.1fs wall clock, %d errors.\n",
		result.Summary.Instances, result.Summary.TokensUsed, result.Summary.Cost,
		result.Summary.WallClockSeconds, result.Summary.Errors)
	return os.WriteFile(filepath.Join(dir, "summary.md"), []byte(sb.String()), 0o644)
}

// SweepRetention removes collections older than retentionDays. A zero
// retention keeps everything.
func (c *Collector) SweepRetention() {
	if c.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(c.cfg.RetentionDays) * 24 * time.Hour)
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		target := filepath.Join(c.root, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			c.logger.Warn("retention sweep failed", zap.String("path", target), zap.Error(err))
			continue
		}
		c.logger.Info("expired collection removed", zap.String("path", target))
	}
}

func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// matchAny matches rel (slash-separated, workspace-relative) against the
// pattern list. "dir/**" matches the whole subtree; other patterns match
// either the full relative path or the base name.
func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, pat := range patterns {
		if prefix, ok := strings.CutSuffix(pat, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}
