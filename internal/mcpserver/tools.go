// Package mcpserver registers MCP tools that expose the synced guide.
// It adapts the store and the syncer to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/guide"
	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/alexjbarnes/htsp-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultProgramLimit caps guide_programs output when no limit is given.
const defaultProgramLimit = 50

// Syncer runs a sync pass on demand.
type Syncer interface {
	Run(ctx context.Context) (guide.Report, error)
}

// RegisterTools adds the guide tools to the given MCP server. guide_sync
// is only registered when syncer is non-nil.
func RegisterTools(server *mcp.Server, st store.Store, syncer Syncer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "guide_channels",
		Description: "List every stored channel with its number, name, logo and UUID. Optionally filter by a case-insensitive name substring.",
	}, channelsHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "guide_programs",
		Description: "List the programs of one channel ordered by start time. Optional RFC 3339 from/to bounds select programs overlapping the window.",
	}, programsHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "guide_now",
		Description: "For every channel, the program airing at the given RFC 3339 time (defaults to now). Channels with nothing airing are omitted.",
	}, nowHandler(st))

	if syncer != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "guide_sync",
			Description: "Run a full sync against the TV backend now: channel list first, then every channel's programs. Returns counts of what changed.",
		}, syncHandler(syncer))
	}
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ChannelsInput holds parameters for guide_channels.
type ChannelsInput struct {
	Query string `json:"query,omitempty" jsonschema:"case-insensitive substring of the channel name"`
}

// ProgramsInput holds parameters for guide_programs.
type ProgramsInput struct {
	ChannelID int64  `json:"channel_id" jsonschema:"required,server channel id as listed by guide_channels"`
	From      string `json:"from,omitempty" jsonschema:"RFC 3339 start of the window"`
	To        string `json:"to,omitempty" jsonschema:"RFC 3339 end of the window"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of programs, defaults to 50"`
}

// NowInput holds parameters for guide_now.
type NowInput struct {
	At string `json:"at,omitempty" jsonschema:"RFC 3339 time, defaults to now"`
}

// SyncInput has no parameters.
type SyncInput struct{}

// --- Results ---

// ChannelsResult is the output of guide_channels.
type ChannelsResult struct {
	Count    int              `json:"count"`
	Channels []models.Channel `json:"channels"`
}

// ProgramsResult is the output of guide_programs.
type ProgramsResult struct {
	ChannelID int64            `json:"channel_id"`
	Count     int              `json:"count"`
	Truncated bool             `json:"truncated,omitempty"`
	Programs  []models.Program `json:"programs"`
}

// Airing pairs a channel with its current program.
type Airing struct {
	Channel models.Channel `json:"channel"`
	Program models.Program `json:"program"`
}

// NowResult is the output of guide_now.
type NowResult struct {
	At     time.Time `json:"at"`
	Airing []Airing  `json:"airing"`
}

// --- Handlers ---

func channelsHandler(st store.Store) mcp.ToolHandlerFor[ChannelsInput, *ChannelsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ChannelsInput) (*mcp.CallToolResult, *ChannelsResult, error) {
		all, err := st.Channels(ctx)
		if err != nil {
			return nil, nil, err
		}

		query := strings.ToLower(strings.TrimSpace(input.Query))
		result := &ChannelsResult{Channels: []models.Channel{}}

		for _, ch := range all {
			if query != "" && !strings.Contains(strings.ToLower(ch.Name), query) {
				continue
			}

			result.Channels = append(result.Channels, ch)
		}

		result.Count = len(result.Channels)

		return textResult(result), result, nil
	}
}

func programsHandler(st store.Store) mcp.ToolHandlerFor[ProgramsInput, *ProgramsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ProgramsInput) (*mcp.CallToolResult, *ProgramsResult, error) {
		if input.ChannelID == 0 {
			return nil, nil, fmt.Errorf("channel_id is required")
		}

		from, err := parseTime("from", input.From)
		if err != nil {
			return nil, nil, err
		}

		to, err := parseTime("to", input.To)
		if err != nil {
			return nil, nil, err
		}

		if !from.IsZero() && !to.IsZero() && !to.After(from) {
			return nil, nil, fmt.Errorf("to must be after from")
		}

		progs, err := st.Programs(ctx, store.ProgramFilter{ChannelID: input.ChannelID, From: from, To: to})
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultProgramLimit
		}

		result := &ProgramsResult{ChannelID: input.ChannelID, Programs: progs}
		if len(progs) > limit {
			result.Programs = progs[:limit]
			result.Truncated = true
		}

		if result.Programs == nil {
			result.Programs = []models.Program{}
		}

		result.Count = len(result.Programs)

		return textResult(result), result, nil
	}
}

func nowHandler(st store.Store) mcp.ToolHandlerFor[NowInput, *NowResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input NowInput) (*mcp.CallToolResult, *NowResult, error) {
		at, err := parseTime("at", input.At)
		if err != nil {
			return nil, nil, err
		}

		if at.IsZero() {
			at = time.Now().UTC()
		}

		channels, err := st.Channels(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &NowResult{At: at, Airing: []Airing{}}

		for _, ch := range channels {
			progs, err := st.Programs(ctx, store.ProgramFilter{
				ChannelID: ch.ChannelID,
				From:      at,
				To:        at.Add(time.Nanosecond),
			})
			if err != nil {
				return nil, nil, err
			}

			if len(progs) > 0 {
				result.Airing = append(result.Airing, Airing{Channel: ch, Program: progs[0]})
			}
		}

		return textResult(result), result, nil
	}
}

func syncHandler(syncer Syncer) mcp.ToolHandlerFor[SyncInput, *guide.Report] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *guide.Report, error) {
		report, err := syncer.Run(ctx)
		if err != nil {
			return nil, nil, err
		}

		return textResult(report), &report, nil
	}
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: expected RFC 3339 time: %w", field, err)
	}

	return t, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
