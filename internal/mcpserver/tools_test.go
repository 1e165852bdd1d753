package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/guide"
	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/alexjbarnes/htsp-sync/internal/reconcile"
	"github.com/alexjbarnes/htsp-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type fakeSyncer struct {
	report guide.Report
	err    error
	calls  int
}

func (f *fakeSyncer) Run(context.Context) (guide.Report, error) {
	f.calls++
	return f.report, f.err
}

// testSetup seeds a temp guide database, registers tools on an MCP
// server, and returns a connected client session for calling tools.
func testSetup(t *testing.T, syncer Syncer) *mcp.ClientSession {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "guide.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ops := []store.Operation{
		store.InsertChannel(models.Channel{ChannelID: 1, Name: "BBC One", Number: "1"}),
		store.InsertChannel(models.Channel{ChannelID: 2, Name: "BBC Two", Number: "2"}),
		store.InsertChannel(models.Channel{ChannelID: 4, Name: "Channel 4", Number: "4"}),
	}

	for i := range 4 {
		start := base.Add(time.Duration(i) * time.Hour)
		ops = append(ops, store.InsertProgram(models.Program{
			EventID:   int64(100 + i),
			ChannelID: 1,
			Start:     start,
			Stop:      start.Add(time.Hour),
			Title:     []string{"News", "Quiz", "Drama", "Film"}[i],
		}))
	}

	ops = append(ops, store.InsertProgram(models.Program{
		EventID: 200, ChannelID: 2, Start: base.Add(30 * time.Minute), Stop: base.Add(90 * time.Minute), Title: "Docs",
	}))
	require.NoError(t, st.ApplyBatch(context.Background(), ops))

	server := mcp.NewServer(
		&mcp.Implementation{Name: "htsp-sync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, st, syncer)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// --- Tool listing ---

func TestListTools(t *testing.T) {
	session := testSetup(t, &fakeSyncer{})

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{"guide_channels", "guide_programs", "guide_now", "guide_sync"}, names)
}

func TestListTools_NoSyncer(t *testing.T) {
	session := testSetup(t, nil)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	for _, tool := range res.Tools {
		assert.NotEqual(t, "guide_sync", tool.Name)
	}
}

// --- guide_channels ---

func TestGuideChannels_All(t *testing.T) {
	session := testSetup(t, nil)

	result := callTool(t, session, "guide_channels", map[string]any{})
	assert.False(t, result.IsError)

	var got ChannelsResult
	extractJSON(t, result, &got)
	assert.Equal(t, 3, got.Count)
	assert.Equal(t, "BBC One", got.Channels[0].Name)
}

func TestGuideChannels_Query(t *testing.T) {
	session := testSetup(t, nil)

	var got ChannelsResult
	extractJSON(t, callTool(t, session, "guide_channels", map[string]any{"query": "bbc"}), &got)
	assert.Equal(t, 2, got.Count)

	extractJSON(t, callTool(t, session, "guide_channels", map[string]any{"query": "nothing"}), &got)
	assert.Zero(t, got.Count)
	assert.NotNil(t, got.Channels)
}

// --- guide_programs ---

func TestGuidePrograms_Window(t *testing.T) {
	session := testSetup(t, nil)

	result := callTool(t, session, "guide_programs", map[string]any{
		"channel_id": 1,
		"from":       base.Add(90 * time.Minute).Format(time.RFC3339),
		"to":         base.Add(3 * time.Hour).Format(time.RFC3339),
	})
	assert.False(t, result.IsError)

	var got ProgramsResult
	extractJSON(t, result, &got)
	require.Equal(t, 2, got.Count)
	assert.Equal(t, "Quiz", got.Programs[0].Title)
	assert.Equal(t, "Drama", got.Programs[1].Title)
}

func TestGuidePrograms_Limit(t *testing.T) {
	session := testSetup(t, nil)

	var got ProgramsResult
	extractJSON(t, callTool(t, session, "guide_programs", map[string]any{"channel_id": 1, "limit": 3}), &got)
	assert.Equal(t, 3, got.Count)
	assert.True(t, got.Truncated)
}

func TestGuidePrograms_BadTime(t *testing.T) {
	session := testSetup(t, nil)

	result := callTool(t, session, "guide_programs", map[string]any{"channel_id": 1, "from": "yesterday"})
	assert.True(t, result.IsError)
}

func TestGuidePrograms_InvertedWindow(t *testing.T) {
	session := testSetup(t, nil)

	result := callTool(t, session, "guide_programs", map[string]any{
		"channel_id": 1,
		"from":       base.Add(time.Hour).Format(time.RFC3339),
		"to":         base.Format(time.RFC3339),
	})
	assert.True(t, result.IsError)
}

// --- guide_now ---

func TestGuideNow(t *testing.T) {
	session := testSetup(t, nil)

	var got NowResult
	extractJSON(t, callTool(t, session, "guide_now", map[string]any{
		"at": base.Add(45 * time.Minute).Format(time.RFC3339),
	}), &got)

	require.Len(t, got.Airing, 2)
	assert.Equal(t, "News", got.Airing[0].Program.Title)
	assert.Equal(t, "Docs", got.Airing[1].Program.Title)
}

// --- guide_sync ---

func TestGuideSync_ReturnsReport(t *testing.T) {
	syncer := &fakeSyncer{report: guide.Report{
		Channels:       3,
		Synced:         3,
		ProgramChanges: reconcile.Result{Inserted: 12, Batches: 1},
	}}
	session := testSetup(t, syncer)

	result := callTool(t, session, "guide_sync", map[string]any{})
	assert.False(t, result.IsError)

	var got guide.Report
	extractJSON(t, result, &got)
	assert.Equal(t, 3, got.Synced)
	assert.Equal(t, 12, got.ProgramChanges.Inserted)
	assert.Equal(t, 1, syncer.calls)
}

func TestGuideSync_Error(t *testing.T) {
	session := testSetup(t, &fakeSyncer{err: errors.New("connection lost")})

	result := callTool(t, session, "guide_sync", map[string]any{})
	assert.True(t, result.IsError)
}
