package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/alexjbarnes/htsp-sync/internal/store"
	"gopkg.in/yaml.v3"
)

type dumpChannel struct {
	models.Channel `yaml:",inline"`
	Programs       []models.Program `yaml:"programs,omitempty"`
}

type dumpDoc struct {
	LastSync *time.Time    `yaml:"last_sync,omitempty"`
	Channels []dumpChannel `yaml:"channels"`
}

// writeDump writes every stored channel with its programs as YAML.
func writeDump(ctx context.Context, w io.Writer, st store.Store) error {
	channels, err := st.Channels(ctx)
	if err != nil {
		return err
	}

	doc := dumpDoc{Channels: make([]dumpChannel, 0, len(channels))}

	if rec, ok := st.(interface{ LastSync() time.Time }); ok {
		if t := rec.LastSync(); !t.IsZero() {
			doc.LastSync = &t
		}
	}

	for _, ch := range channels {
		progs, err := st.Programs(ctx, store.ProgramFilter{ChannelID: ch.ChannelID})
		if err != nil {
			return err
		}

		doc.Channels = append(doc.Channels, dumpChannel{Channel: ch, Programs: progs})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding dump: %w", err)
	}

	return enc.Close()
}
