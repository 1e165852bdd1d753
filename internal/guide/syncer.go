package guide

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/htsp"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/alexjbarnes/htsp-sync/internal/reconcile"
	"github.com/alexjbarnes/htsp-sync/internal/store"
	"golang.org/x/sync/semaphore"
)

const defaultConcurrency = 8

// Source is the server side of a sync. *htsp.Guide implements it.
type Source interface {
	// Channels returns the full server channel list.
	Channels(ctx context.Context) ([]models.Channel, error)

	// FetchEvents requests one channel's programs without blocking. done
	// runs exactly once and must not be blocked by the callee.
	FetchEvents(channelID int64, done htsp.EventsFunc)
}

// lastSyncRecorder is implemented by stores that remember when the last
// clean pass finished.
type lastSyncRecorder interface {
	SetLastSync(t time.Time) error
}

// Options configures a Syncer.
type Options struct {
	Logger *slog.Logger

	// Concurrency bounds the number of channels fetched or reconciled at
	// once. Zero means 8.
	Concurrency int
}

// Report summarises one sync pass.
type Report struct {
	Started        time.Time        `json:"started"`
	Finished       time.Time        `json:"finished"`
	Channels       int              `json:"channels"`
	Synced         int              `json:"synced"`
	Failed         int              `json:"failed"`
	Skipped        int              `json:"skipped"`
	FailedChannels []int64          `json:"failed_channels,omitempty"`
	ChannelChanges reconcile.Result `json:"channel_changes"`
	ProgramChanges reconcile.Result `json:"program_changes"`
}

// Complete reports whether every channel was synced.
func (r Report) Complete() bool {
	return r.Failed == 0 && r.Skipped == 0
}

// Syncer runs guide sync passes. Only one pass runs at a time.
type Syncer struct {
	src         Source
	st          store.Store
	engine      *reconcile.Engine
	logger      *slog.Logger
	concurrency int

	running sync.Mutex
}

// NewSyncer returns a Syncer that reads from src and writes to st.
func NewSyncer(src Source, st store.Store, opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Syncer{
		src:         src,
		st:          st,
		engine:      reconcile.NewEngine(st, logger),
		logger:      logger,
		concurrency: concurrency,
	}
}

// Run reconciles the channel list and then every channel's programs.
// It returns ErrSyncInProgress if another pass is running.
func (s *Syncer) Run(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, apperrors.ErrSyncInProgress
	}
	defer s.running.Unlock()

	started := time.Now()

	chRes, err := s.SyncChannels(ctx)
	if err != nil {
		return Report{Started: started, Finished: time.Now(), ChannelChanges: chRes}, err
	}

	report, err := s.SyncGuide(ctx)
	report.Started = started
	report.ChannelChanges = chRes

	if err == nil && report.Complete() {
		if rec, ok := s.st.(lastSyncRecorder); ok {
			if err := rec.SetLastSync(report.Finished); err != nil {
				s.logger.Warn("recording sync time", slog.String("error", err.Error()))
			}
		}
	}

	return report, err
}

// SyncChannels replaces the stored channel set with the server's.
func (s *Syncer) SyncChannels(ctx context.Context) (reconcile.Result, error) {
	remote, err := s.src.Channels(ctx)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("fetching channels: %w", err)
	}

	return s.engine.SyncChannels(ctx, remote)
}

// SyncGuide fetches and reconciles the programs of every stored channel.
// Fetches are issued until ctx ends; channels never issued count as
// skipped. It returns when every issued channel has finished, or with
// ctx's error as soon as ctx ends. A failed channel is logged and
// counted but does not stop the others.
func (s *Syncer) SyncGuide(ctx context.Context) (Report, error) {
	report := Report{Started: time.Now()}

	channels, err := s.st.Channels(ctx)
	if err != nil {
		return report, fmt.Errorf("loading channels: %w", err)
	}

	report.Channels = len(channels)
	barrier := NewBarrier(len(channels))
	sem := semaphore.NewWeighted(int64(s.concurrency))

	var mu sync.Mutex

	finish := func(channelID int64, res reconcile.Result, err error) {
		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			report.Failed++
			report.FailedChannels = append(report.FailedChannels, channelID)

			return
		}

		report.Synced++
		report.ProgramChanges.Add(res)
	}

	s.logger.Info("guide sync started",
		slog.Int("channels", len(channels)),
		slog.Int("concurrency", s.concurrency),
	)

	for i, ch := range channels {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}

		if err != nil {
			unissued := len(channels) - i

			mu.Lock()
			report.Skipped += unissued
			mu.Unlock()

			barrier.DoneN(unissued)
			s.logger.Info("guide sync cancelled", slog.Int("unissued", unissued))

			break
		}

		channelID := ch.ChannelID
		s.src.FetchEvents(channelID, func(progs []models.Program, err error) {
			// Runs on the connection reader; store work goes elsewhere.
			go func() {
				defer barrier.Done()
				defer sem.Release(1)

				if err != nil {
					s.logger.Warn("guide fetch failed",
						slog.Int64("channel_id", channelID),
						slog.String("error", err.Error()),
					)
					finish(channelID, reconcile.Result{}, err)

					return
				}

				res, err := s.engine.SyncPrograms(ctx, channelID, progs)
				if err != nil {
					s.logger.Warn("program reconciliation failed",
						slog.Int64("channel_id", channelID),
						slog.String("error", err.Error()),
					)
				}

				finish(channelID, res, err)
			}()
		})
	}

	waitErr := barrier.Wait(ctx)

	mu.Lock()
	defer mu.Unlock()

	report.Finished = time.Now()
	out := report
	out.FailedChannels = append([]int64(nil), report.FailedChannels...)
	sort.Slice(out.FailedChannels, func(i, j int) bool { return out.FailedChannels[i] < out.FailedChannels[j] })

	if waitErr != nil {
		return out, waitErr
	}

	s.logger.Info("guide sync finished",
		slog.Int("synced", out.Synced),
		slog.Int("failed", out.Failed),
		slog.Int("skipped", out.Skipped),
		slog.Int("inserted", out.ProgramChanges.Inserted),
		slog.Int("updated", out.ProgramChanges.Updated),
		slog.Duration("elapsed", out.Finished.Sub(out.Started)),
	)

	if ctxErr := ctx.Err(); ctxErr != nil && out.Skipped > 0 {
		return out, ctxErr
	}

	return out, nil
}
