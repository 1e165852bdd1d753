package htsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/google/uuid"
)

// channelNamespace seeds the UUIDs derived for channels the server sent
// without one.
var channelNamespace = uuid.MustParse("6f3c1d2a-8b4e-5c71-9a0d-2e6b4f8c1a37")

// ChannelUUID returns the stable UUID derived from a channel id.
func ChannelUUID(channelID int64) string {
	return uuid.NewSHA1(channelNamespace, []byte(strconv.FormatInt(channelID, 10))).String()
}

// metadataCollector gathers the channel messages sent after
// enableAsyncMetadata. The end of the snapshot is signalled separately
// through finish.
type metadataCollector struct {
	mu       sync.Mutex
	channels map[int64]models.Channel
	done     chan struct{}
	err      error
	finished bool
}

func (m *metadataCollector) OnMessage(msg *htsmsg.Message) {
	switch msg.Method() {
	case "channelAdd", "channelUpdate":
		id, ok := msg.Int("channelId")
		if !ok {
			return
		}

		m.mu.Lock()
		ch, seen := m.channels[id]
		if !seen {
			ch = models.Channel{ChannelID: id}
		}
		m.channels[id] = mergeChannel(ch, msg)
		m.mu.Unlock()
	case "channelDelete":
		if id, ok := msg.Int("channelId"); ok {
			m.mu.Lock()
			delete(m.channels, id)
			m.mu.Unlock()
		}
	}
}

func (m *metadataCollector) OnError(err error) {
	m.finish(err)
}

func (m *metadataCollector) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return
	}

	m.finished = true
	m.err = err
	close(m.done)
}

// mergeChannel applies the fields present in msg onto ch. channelUpdate
// only carries what changed.
func mergeChannel(ch models.Channel, msg *htsmsg.Message) models.Channel {
	if msg.Has("channelName") {
		ch.Name = text(msg, "channelName")
	}

	if major, ok := msg.Int("channelNumber"); ok {
		ch.Number = strconv.FormatInt(major, 10)
		if minor := msg.IntOr("channelNumberMinor", 0); minor > 0 {
			ch.Number += "." + strconv.FormatInt(minor, 10)
		}
	}

	if icon, ok := msg.Str("channelIcon"); ok {
		ch.LogoURL = icon
	}

	if id, ok := msg.Str("uuid"); ok && id != "" {
		ch.UUID = id
	}

	if ch.UUID == "" {
		ch.UUID = ChannelUUID(ch.ChannelID)
	}

	return ch
}

// FetchChannels enables async metadata on conn and collects channels
// until the server signals the initial sync is complete. The result is
// ordered by channel id. Channel messages that keep arriving afterwards
// are not tracked.
func FetchChannels(ctx context.Context, conn *Conn, logger *slog.Logger) ([]models.Channel, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	col := &metadataCollector{
		channels: make(map[int64]models.Channel),
		done:     make(chan struct{}),
	}

	remove := conn.AddListener(col)
	defer remove()

	// Registered after the collector so every channel message ahead of
	// the marker has been applied when it fires.
	stop := conn.OnMethod("initialSyncCompleted", func(*htsmsg.Message) { col.finish(nil) })
	defer stop()

	// The reply is only an acknowledgement; the data arrives as async
	// messages, so a failure here is all that matters.
	conn.Request(htsmsg.New("enableAsyncMetadata"), func(_ *htsmsg.Message, err error) {
		if err != nil {
			col.finish(fmt.Errorf("enabling async metadata: %w", err))
		}
	})

	select {
	case <-col.done:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: initial metadata sync", apperrors.ErrTimeout)
		}

		return nil, err
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	if col.err != nil {
		return nil, col.err
	}

	channels := make([]models.Channel, 0, len(col.channels))
	for _, ch := range col.channels {
		channels = append(channels, ch)
	}

	sort.Slice(channels, func(i, j int) bool {
		return channels[i].ChannelID < channels[j].ChannelID
	})

	logger.Info("channel metadata received", slog.Int("channels", len(channels)))

	return channels, nil
}
