package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docflow/internal/documents"
	"docflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	docs      map[string]*models.Document
	err       error
	lastLimit int
}

func (f *fakeFetcher) GetMany(_ context.Context, v documents.Viewer, ids []string, limit int) ([]*models.Document, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Document
	for _, id := range ids {
		if d, ok := f.docs[id]; ok && v.CanRead(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, string, []*models.Document) ([]Source, error) {
	return nil, errors.New("search backend down")
}

func fixture() *fakeFetcher {
	return &fakeFetcher{docs: map[string]*models.Document{
		"d1": {ID: "d1", OwnerID: 1, Title: "Q3 Report", Content: "This report covers quarterly revenue for the third quarter."},
		"d2": {ID: "d2", OwnerID: 1, Title: "Handbook", Content: "Employees get twenty days of paid leave per year."},
		"d3": {ID: "d3", OwnerID: 1, Title: "Scan", Content: "  short  "},
		"d4": {ID: "d4", OwnerID: 2, Title: "Private", Content: "Someone else's quarterly revenue numbers."},
	}}
}

var viewer = documents.Viewer{UserID: 1}

func TestAttachmentQuestion(t *testing.T) {
	a := NewAssembler(fixture(), nil, nil)

	b, err := a.Assemble(context.Background(), viewer, "what's in the attachment?", []string{"d1", "d2"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b.Context, attachmentPreface))

	var ids []string
	for _, s := range b.Sources {
		ids = append(ids, s.DocumentID)
	}
	// the literal query matches nothing, so every document with content is attributed
	assert.Contains(t, ids, "d1")
	for _, s := range b.Sources {
		assert.Equal(t, fallbackScore, s.Score)
	}
}

func TestSubstringMatch(t *testing.T) {
	a := NewAssembler(fixture(), nil, nil)

	b, err := a.Assemble(context.Background(), viewer, "Quarterly Revenue", []string{"d2", "d1"})
	require.NoError(t, err)
	require.Len(t, b.Sources, 1)
	assert.Equal(t, "d1", b.Sources[0].DocumentID)
	assert.Equal(t, matchScore, b.Sources[0].Score)
	assert.False(t, strings.HasPrefix(b.Context, attachmentPreface))
}

func TestContextOrderAndMarkers(t *testing.T) {
	a := NewAssembler(fixture(), nil, nil)

	b, err := a.Assemble(context.Background(), viewer, "leave", []string{"d2", "d3", "d1"})
	require.NoError(t, err)

	hb := strings.Index(b.Context, "=== Document: Handbook ===")
	qr := strings.Index(b.Context, "=== Document: Q3 Report ===")
	require.NotEqual(t, -1, hb)
	require.NotEqual(t, -1, qr)
	assert.Less(t, hb, qr)
	assert.Contains(t, b.Context, "=== End of Handbook ===")
	assert.NotContains(t, b.Context, "=== Document: Scan ===")
	note := strings.Index(b.Context, `[Document "Scan" has no readable text content.`)
	assert.Greater(t, note, hb)
	assert.Less(t, note, qr)
}

func TestUnreadableDocumentsExcluded(t *testing.T) {
	a := NewAssembler(fixture(), nil, nil)

	b, err := a.Assemble(context.Background(), viewer, "revenue", []string{"d4"})
	require.NoError(t, err)
	assert.Empty(t, b.Context)
	assert.Empty(t, b.Sources)
}

func TestFetchCappedAtTen(t *testing.T) {
	f := fixture()
	a := NewAssembler(f, nil, nil)
	ids := make([]string, 15)
	for i := range ids {
		ids[i] = "d1"
	}
	_, err := a.Assemble(context.Background(), viewer, "x", ids)
	require.NoError(t, err)
	assert.Equal(t, MaxDocuments, f.lastLimit)
}

func TestScorerFailureIsNotFatal(t *testing.T) {
	a := NewAssembler(fixture(), failingScorer{}, nil)

	b, err := a.Assemble(context.Background(), viewer, "revenue", []string{"d1"})
	require.NoError(t, err)
	assert.Contains(t, b.Context, "quarterly revenue")
	assert.Empty(t, b.Sources)
}

func TestFetchFailureIsReturned(t *testing.T) {
	f := fixture()
	f.err = errors.New("db closed")
	_, err := NewAssembler(f, nil, nil).Assemble(context.Background(), viewer, "x", []string{"d1"})
	assert.Error(t, err)
}

func TestNoDocuments(t *testing.T) {
	b, err := NewAssembler(fixture(), nil, nil).Assemble(context.Background(), viewer, "summarize this", nil)
	require.NoError(t, err)
	assert.Empty(t, b.Context)
	assert.NotNil(t, b.Sources)
}

func TestAttachmentPrefaceWithoutReadableDocuments(t *testing.T) {
	a := NewAssembler(fixture(), nil, nil)

	b, err := a.Assemble(context.Background(), viewer, "what's in the file?", nil)
	require.NoError(t, err)
	assert.Equal(t, attachmentPreface, b.Context)

	b, err = a.Assemble(context.Background(), viewer, "what's in the attached file?", []string{"d4"})
	require.NoError(t, err)
	assert.Equal(t, attachmentPreface, b.Context)
	assert.Empty(t, b.Documents)
	assert.Empty(t, b.Sources)
}

func TestPlaceholderKeepsInputPosition(t *testing.T) {
	a := NewAssembler(fixture(), nil, nil)

	b, err := a.Assemble(context.Background(), viewer, "revenue", []string{"d3", "d1", "d2"})
	require.NoError(t, err)

	note := strings.Index(b.Context, `[Document "Scan"`)
	qr := strings.Index(b.Context, "=== Document: Q3 Report ===")
	hb := strings.Index(b.Context, "=== Document: Handbook ===")
	require.NotEqual(t, -1, note)
	require.NotEqual(t, -1, qr)
	require.NotEqual(t, -1, hb)
	assert.Zero(t, note)
	assert.Less(t, note, qr)
	assert.Less(t, qr, hb)
}

func TestExcerptTruncation(t *testing.T) {
	long := strings.Repeat("ab", 200)
	got := excerpt(long)
	assert.Equal(t, maxExcerptLength+3, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))

	exact := strings.Repeat("x", maxExcerptLength)
	assert.Equal(t, exact, excerpt(exact))
}

func TestSufficientContentBoundary(t *testing.T) {
	assert.False(t, hasSufficientContent(&models.Document{Content: "  " + strings.Repeat("a", 20) + "  "}))
	assert.True(t, hasSufficientContent(&models.Document{Content: strings.Repeat("a", 21)}))
}

func TestFallbackSkipsEmptyBodies(t *testing.T) {
	docs := []*models.Document{
		{ID: "a", Content: "   "},
		{ID: "b", Content: "tiny"},
	}
	sources, err := SubstringScorer{}.Score(context.Background(), "zzz", docs)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "b", sources[0].DocumentID)
}
