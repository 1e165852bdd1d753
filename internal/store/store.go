// Package store defines the channel/program store the reconciliation
// engine writes to, and a bbolt-backed implementation of it.
package store

//go:generate mockgen -source=store.go -destination=mock_store.go -package=store

import (
	"context"
	"fmt"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/models"
)

// MaxBatchSize is the largest number of operations ApplyBatch accepts in
// one call.
const MaxBatchSize = 100

// OpKind is the kind of write an Operation performs.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}

	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Entity names the record set an Operation targets.
type Entity int

const (
	EntityChannel Entity = iota + 1
	EntityProgram
)

func (e Entity) String() string {
	switch e {
	case EntityChannel:
		return "channel"
	case EntityProgram:
		return "program"
	}

	return fmt.Sprintf("Entity(%d)", int(e))
}

// Operation is one write in a batch. Exactly one of Channel and Program
// is set for inserts and updates, matching Entity. RowID addresses the
// existing row for updates and deletes.
type Operation struct {
	Kind    OpKind
	Entity  Entity
	RowID   int64
	Channel *models.Channel
	Program *models.Program
}

// InsertChannel returns an operation inserting ch as a new row.
func InsertChannel(ch models.Channel) Operation {
	ch.RowID = 0
	return Operation{Kind: OpInsert, Entity: EntityChannel, Channel: &ch}
}

// UpdateChannel returns an operation replacing row rowID with ch.
func UpdateChannel(rowID int64, ch models.Channel) Operation {
	ch.RowID = rowID
	return Operation{Kind: OpUpdate, Entity: EntityChannel, RowID: rowID, Channel: &ch}
}

// DeleteChannel returns an operation removing channel row rowID.
func DeleteChannel(rowID int64) Operation {
	return Operation{Kind: OpDelete, Entity: EntityChannel, RowID: rowID}
}

// InsertProgram returns an operation inserting p as a new row.
func InsertProgram(p models.Program) Operation {
	p.RowID = 0
	return Operation{Kind: OpInsert, Entity: EntityProgram, Program: &p}
}

// UpdateProgram returns an operation replacing row rowID with p.
func UpdateProgram(rowID int64, p models.Program) Operation {
	p.RowID = rowID
	return Operation{Kind: OpUpdate, Entity: EntityProgram, RowID: rowID, Program: &p}
}

// ProgramFilter selects programs. ChannelID zero matches every channel.
// A zero From or To leaves that side of the window open; a program is
// included when it overlaps [From, To).
type ProgramFilter struct {
	ChannelID int64
	From      time.Time
	To        time.Time
}

// Store is the authoritative local record set.
type Store interface {
	// Channels returns every stored channel.
	Channels(ctx context.Context) ([]models.Channel, error)

	// Programs returns the programs matching f, ordered by start time.
	Programs(ctx context.Context, f ProgramFilter) ([]models.Program, error)

	// ApplyBatch executes ops atomically: either all of them take effect
	// or none do.
	ApplyBatch(ctx context.Context, ops []Operation) error
}
