package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/alexjbarnes/htsp-sync/internal/logging"
	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/alexjbarnes/htsp-sync/internal/store"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffLen bounds the change summary logged for an updated program.
const maxDiffLen = 200

// Result counts the writes of one reconciliation run.
type Result struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Batches  int `json:"batches"`
}

// Ops returns the total number of operations.
func (r Result) Ops() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Batches += o.Batches
}

func count(ops []store.Operation) Result {
	var r Result

	for _, op := range ops {
		switch op.Kind {
		case store.OpInsert:
			r.Inserted++
		case store.OpUpdate:
			r.Updated++
		case store.OpDelete:
			r.Deleted++
		}
	}

	return r
}

// Engine reconciles server snapshots into a store. It holds no state
// between runs and is safe for concurrent use when the store is.
type Engine struct {
	st     store.Store
	logger *slog.Logger
}

// NewEngine returns an engine writing to st.
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}

	return &Engine{st: st, logger: logger}
}

// SyncChannels makes the stored channel set match remote.
func (e *Engine) SyncChannels(ctx context.Context, remote []models.Channel) (Result, error) {
	local, err := e.st.Channels(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading channels: %w", err)
	}

	plan := DiffChannels(local, remote)

	for _, id := range plan.Duplicates {
		e.logger.Warn("duplicate channel in server snapshot, keeping first", slog.Int64("channel_id", id))
	}

	res := count(plan.Ops)

	res.Batches, err = Apply(ctx, e.st, e.logger, plan.Ops)
	if err != nil {
		return res, fmt.Errorf("writing channels: %w", err)
	}

	e.logger.Info("channels reconciled",
		slog.Int("remote", len(remote)),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted),
	)

	return res, nil
}

// SyncPrograms merges remote, sorted by start time, into the stored
// programs of channelID.
func (e *Engine) SyncPrograms(ctx context.Context, channelID int64, remote []models.Program) (Result, error) {
	local, err := e.st.Programs(ctx, store.ProgramFilter{ChannelID: channelID})
	if err != nil {
		return Result{}, fmt.Errorf("loading programs of channel %d: %w", channelID, err)
	}

	ops := DiffPrograms(local, remote)

	if e.logger.Enabled(ctx, slog.LevelDebug) {
		e.logUpdates(ctx, channelID, local, ops)
	}

	res := count(ops)

	res.Batches, err = Apply(ctx, e.st, e.logger, ops)
	if err != nil {
		return res, fmt.Errorf("writing programs of channel %d: %w", channelID, err)
	}

	e.logger.Debug("programs reconciled",
		slog.Int64("channel_id", channelID),
		slog.Int("remote", len(remote)),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
	)

	return res, nil
}

func (e *Engine) logUpdates(ctx context.Context, channelID int64, local []models.Program, ops []store.Operation) {
	byRow := make(map[int64]models.Program, len(local))
	for _, p := range local {
		byRow[p.RowID] = p
	}

	for _, op := range ops {
		if op.Kind != store.OpUpdate || op.Program == nil {
			continue
		}

		old := byRow[op.RowID]
		e.logger.DebugContext(ctx, "program changed",
			slog.Int64("channel_id", channelID),
			slog.Int64("event_id", op.Program.EventID),
			slog.String("title", describeChange(old.Title, op.Program.Title)),
			slog.String("description", describeChange(old.Description, op.Program.Description)),
		)
	}
}

// describeChange renders the difference between two strings inline:
// deletions as [-text-], insertions as {+text+}. Unchanged input gives
// an empty string.
func describeChange(before, after string) string {
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	var sb strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			sb.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			sb.WriteString("{+" + d.Text + "+}")
		case diffmatchpatch.DiffEqual:
			sb.WriteString(d.Text)
		}
	}

	out := sb.String()
	if len(out) > maxDiffLen {
		cut := maxDiffLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}

		out = out[:cut] + "..."
	}

	return out
}
