// Package models defines the channel and program records shared by the
// protocol client, the store, and the reconciliation engine.
package models

import "time"

// Channel is a TV channel. ChannelID is the server-side identity that
// stays stable across syncs; RowID is assigned by the store and is zero
// for records that came off the wire.
type Channel struct {
	RowID     int64  `json:"row_id" yaml:"row_id"`
	ChannelID int64  `json:"channel_id" yaml:"channel_id"`
	Name      string `json:"name" yaml:"name"`
	Number    string `json:"number,omitempty" yaml:"number,omitempty"`
	LogoURL   string `json:"logo_url,omitempty" yaml:"logo_url,omitempty"`
	UUID      string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
}

// SameContent reports whether two channels carry the same data, ignoring
// the store row id.
func (c Channel) SameContent(o Channel) bool {
	c.RowID, o.RowID = 0, 0
	return c == o
}

// Program is a single guide entry (an HTSP event) on one channel.
type Program struct {
	RowID         int64     `json:"row_id" yaml:"row_id"`
	EventID       int64     `json:"event_id" yaml:"event_id"`
	ChannelID     int64     `json:"channel_id" yaml:"channel_id"`
	Start         time.Time `json:"start" yaml:"start"`
	Stop          time.Time `json:"stop" yaml:"stop"`
	Title         string    `json:"title" yaml:"title"`
	Subtitle      string    `json:"subtitle,omitempty" yaml:"subtitle,omitempty"`
	Summary       string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	ContentType   int64     `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	ImageURL      string    `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	SeasonNumber  int64     `json:"season_number,omitempty" yaml:"season_number,omitempty"`
	EpisodeNumber int64     `json:"episode_number,omitempty" yaml:"episode_number,omitempty"`
}

// SameContent reports deep field equality, ignoring the store row id.
// Times are compared as instants so a value that went through JSON
// compares equal to the one that came off the wire.
func (p Program) SameContent(o Program) bool {
	if !p.Start.Equal(o.Start) || !p.Stop.Equal(o.Stop) {
		return false
	}

	p.RowID, o.RowID = 0, 0
	p.Start, o.Start = time.Time{}, time.Time{}
	p.Stop, o.Stop = time.Time{}, time.Time{}

	return p == o
}
