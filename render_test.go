package calltrace

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func phoenixReport(t *testing.T, opts ...Option) *Report {
	t.Helper()
	rep, err := newTestTracer(t, phoenixGraph(), opts...).Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)
	return rep
}

func renderString(t *testing.T, rep *Report, f Format, opts RenderOptions) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, rep, f, opts))
	return buf.String()
}

func TestRender_Text(t *testing.T) {
	out := renderString(t, phoenixReport(t), FormatText, RenderOptions{})

	assert.True(t, strings.HasPrefix(out, "Callers of Storyarn.Pages.get_page/2 (max depth 10)\n"))
	assert.Contains(t, out, "\n## HTTP\nStoryarn.Pages.get_page/2\n")
	assert.Contains(t, out, "  → StoryarnWeb.PageController.show/2 (_, _)  [called at lib/storyarn_web/controllers/page_controller.ex:7]  [entry: http]\n")
	assert.Contains(t, out, "    → StoryarnWeb.PageController.index/2")
	assert.Contains(t, out, "[no callers]")
	assert.Contains(t, out, "## SUMMARY\nVisited 7 symbols, 0 truncated branches, 0 cycles, 0 incomplete lookups.\n")
	assert.NotContains(t, out, "\x1b[")

	// Categories appear in render order.
	assert.Less(t, strings.Index(out, "## HTTP"), strings.Index(out, "## EVENT"))
	assert.Less(t, strings.Index(out, "## WORKER"), strings.Index(out, "## INTERNAL"))
	assert.Less(t, strings.Index(out, "## INTERNAL"), strings.Index(out, "## OTHER"))
}

func TestRender_TextColor(t *testing.T) {
	out := renderString(t, phoenixReport(t), FormatText, RenderOptions{Color: true})
	assert.Contains(t, out, "\x1b[")
}

func TestRender_TextMarkersAndTips(t *testing.T) {
	f := chainGraph(3)
	f.call("M.c1/0", "M.c1/0", "", 9)
	tr := newTestTracer(t, f, WithMaxDepth(2))
	rep, err := tr.Trace(context.Background(), "M.c0/0")
	require.NoError(t, err)

	out := renderString(t, rep, FormatText, RenderOptions{Tips: true})
	assert.Contains(t, out, "[cycle]")
	assert.Contains(t, out, "[max depth, truncated]")
	assert.Contains(t, out, "Tips:\n- Increase --max-depth beyond 2")
}

func TestRender_TextNoCallers(t *testing.T) {
	rep, err := newTestTracer(t, newFakeOracle()).Trace(context.Background(), "A.b/1")
	require.NoError(t, err)

	out := renderString(t, rep, FormatText, RenderOptions{})
	assert.Contains(t, out, "No callers found.")
	assert.Contains(t, out, "Visited 1 symbols")
}

func TestRender_TextFailuresAndPartial(t *testing.T) {
	rep := &Report{
		Target:   MustParseSymbol("A.b/1"),
		MaxDepth: 3,
		Partial:  true,
		Summary: Summary{
			TotalVisited: 1,
			Failed:       []CategoryFailure{{Category: CategoryHTTP, Error: "boom"}},
			Cancelled:    []Category{CategoryWorker, CategoryOther},
		},
	}
	out := renderString(t, rep, FormatText, RenderOptions{Tips: true})
	assert.Contains(t, out, "Partial report")
	assert.Contains(t, out, "Failed http: boom")
	assert.Contains(t, out, "Cancelled: worker, other")
	assert.Contains(t, out, "Raise --timeout")
	assert.NotContains(t, out, "No callers found.")

	err := rep.Err()
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.Contains(t, err.Error(), "worker, other")
}

func TestRender_StructuredRoundTrip(t *testing.T) {
	rep := phoenixReport(t)
	for _, f := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(f), func(t *testing.T) {
			out := renderString(t, rep, f, RenderOptions{})
			parsed, err := ParseReport(strings.NewReader(out))
			require.NoError(t, err)

			assert.Equal(t, rep.Target, parsed.Target)
			assert.Equal(t, rep.Summary, parsed.Summary)
			assert.Equal(t, rep.Triples(), parsed.Triples())

			show := parsed.Tree(CategoryHTTP).Root.Children[0]
			assert.Equal(t, StateEntryPoint, show.State)
			require.NotNil(t, show.Entry)
			assert.Equal(t, CategoryHTTP, *show.Entry)
			assert.Equal(t, "lib/storyarn_web/controllers/page_controller.ex", show.Site.File)
			assert.Equal(t, CategoryHTTP, show.Site.Category)
		})
	}
}

func TestRender_YAMLUsesNames(t *testing.T) {
	out := renderString(t, phoenixReport(t), FormatYAML, RenderOptions{})
	assert.Contains(t, out, "target: Storyarn.Pages.get_page/2")
	assert.Contains(t, out, "category: http")
	assert.Contains(t, out, "state: entry_point")
	assert.Contains(t, out, "kind: wildcard")
}

func TestReport_Triples(t *testing.T) {
	rep := phoenixReport(t)
	triples := rep.Triples()
	require.NotEmpty(t, triples)
	assert.Equal(t, Triple{Symbol: rep.Target, Depth: 0, Category: CategoryHTTP}, triples[0])
	assert.Contains(t, triples, Triple{
		Symbol:   MustParseSymbol("StoryarnWeb.PageController.index/2"),
		Depth:    2,
		Category: CategoryInternal,
	})
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "yaml": FormatYAML, "json": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.ErrorContains(t, err, "xml")
}

func TestWriteReportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "nested", "trace.json")
	rep := phoenixReport(t)

	require.NoError(t, WriteReportFile(path, FormatJSON, rep))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	parsed, err := ParseReport(f)
	require.NoError(t, err)
	assert.Equal(t, rep.Triples(), parsed.Triples())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestParseReport_Invalid(t *testing.T) {
	_, err := ParseReport(strings.NewReader("{not json"))
	assert.ErrorContains(t, err, "json")
	_, err = ParseReport(strings.NewReader("target: [unclosed"))
	assert.ErrorContains(t, err, "yaml")
}
