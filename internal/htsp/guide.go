package htsp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
	"github.com/alexjbarnes/htsp-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// EventsFunc receives the programs of one channel, or the reason the
// fetch failed. It runs exactly once, on the connection's reader
// goroutine.
type EventsFunc func(programs []models.Program, err error)

// GuideOptions tunes guide fetches.
type GuideOptions struct {
	Logger *slog.Logger

	// MaxEvents limits how many events the server returns per channel.
	// Zero leaves the limit to the server.
	MaxEvents int

	// MetadataTimeout bounds the wait for the initial channel metadata
	// sync. Zero waits as long as the caller's context allows.
	MetadataTimeout time.Duration
}

// Guide fetches program guide data over a Conn.
type Guide struct {
	conn            *Conn
	logger          *slog.Logger
	maxEvents       int
	metadataTimeout time.Duration
}

// NewGuide returns a guide fetcher bound to conn.
func NewGuide(conn *Conn, opts GuideOptions) *Guide {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Guide{
		conn:            conn,
		logger:          logger,
		maxEvents:       opts.MaxEvents,
		metadataTimeout: opts.MetadataTimeout,
	}
}

// FetchEvents requests the events of channelID and delivers them sorted
// by start time. It does not block.
func (g *Guide) FetchEvents(channelID int64, done EventsFunc) {
	req := htsmsg.New("getEvents").Set("channelId", channelID)
	if g.maxEvents > 0 {
		req.Set("numFollowing", g.maxEvents)
	}

	g.conn.Request(req, func(resp *htsmsg.Message, err error) {
		if err != nil {
			done(nil, fmt.Errorf("fetching events for channel %d: %w", channelID, err))
			return
		}

		progs := decodeEvents(channelID, resp)
		g.logger.Debug("events received",
			slog.Int64("channel_id", channelID),
			slog.Int("count", len(progs)),
		)
		done(progs, nil)
	})
}

// Events is the blocking form of FetchEvents.
func (g *Guide) Events(ctx context.Context, channelID int64) ([]models.Program, error) {
	req := htsmsg.New("getEvents").Set("channelId", channelID)
	if g.maxEvents > 0 {
		req.Set("numFollowing", g.maxEvents)
	}

	resp, err := g.conn.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetching events for channel %d: %w", channelID, err)
	}

	return decodeEvents(channelID, resp), nil
}

// decodeEvents converts a getEvents response. Entries without an event
// id are skipped; an entry without a channel id belongs to the channel
// that was asked for.
func decodeEvents(channelID int64, resp *htsmsg.Message) []models.Program {
	list, _ := resp.List("events")
	progs := make([]models.Program, 0, len(list))

	for _, v := range list {
		ev, ok := v.(*htsmsg.Message)
		if !ok {
			continue
		}

		eventID, ok := ev.Int("eventId")
		if !ok {
			continue
		}

		progs = append(progs, models.Program{
			EventID:       eventID,
			ChannelID:     ev.IntOr("channelId", channelID),
			Start:         unixTime(ev.IntOr("start", 0)),
			Stop:          unixTime(ev.IntOr("stop", 0)),
			Title:         text(ev, "title"),
			Subtitle:      text(ev, "subtitle"),
			Summary:       text(ev, "summary"),
			Description:   text(ev, "description"),
			ContentType:   ev.IntOr("contentType", 0),
			ImageURL:      strField(ev, "image"),
			SeasonNumber:  ev.IntOr("seasonNumber", 0),
			EpisodeNumber: ev.IntOr("episodeNumber", 0),
		})
	}

	sort.SliceStable(progs, func(i, j int) bool {
		return progs[i].Start.Before(progs[j].Start)
	})

	return progs
}

// text returns a display string field in NFC so the same title sent
// composed or decomposed compares equal in the store.
func text(msg *htsmsg.Message, name string) string {
	return norm.NFC.String(strField(msg, name))
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// Channels returns the server's channel list from the async metadata
// snapshot. The server only sends the snapshot once per connection.
func (g *Guide) Channels(ctx context.Context) ([]models.Channel, error) {
	if g.metadataTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.metadataTimeout)
		defer cancel()
	}

	return FetchChannels(ctx, g.conn, g.logger)
}
