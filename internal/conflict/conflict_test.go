package conflict

import (
	"testing"

	"draftsync/internal/document"

	"github.com/stretchr/testify/require"
)

func baseDoc() document.Document {
	return document.New(
		document.Node{ID: "hero", Type: "section", Props: map[string]any{"title": "Hello"}, Children: []document.Node{
			{ID: "cta", Type: "button", Props: map[string]any{"label": "Go"}},
		}},
		document.Node{ID: "pricing", Type: "section"},
		document.Node{ID: "footer", Type: "section"},
	)
}

func edit(doc document.Document, fn func(d *document.Document)) document.Document {
	out := doc.Clone()
	fn(&out)
	return out
}

func resolver() *Resolver {
	return NewResolver(document.StructuralValidator{MaxDepth: 4})
}

func TestMergeDisjointChanges(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) {
		_ = d.SetNode("hero", "section", map[string]any{"title": "Welcome"})
	})
	client := edit(base, func(d *document.Document) {
		_ = d.SetNode("cta", "button", map[string]any{"label": "Start"})
	})

	rec, err := resolver().Resolve(&base, server, client, Merge)
	require.NoError(t, err)
	require.Empty(t, rec.Conflicts)
	require.NotNil(t, rec.Resolved)

	hero, _ := rec.Resolved.Get("hero")
	cta, _ := rec.Resolved.Get("cta")
	require.Equal(t, "Welcome", hero.Props["title"])
	require.Equal(t, "Start", cta.Props["label"])
}

func TestMergeSameNodeConflict(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) {
		_ = d.SetNode("cta", "button", map[string]any{"label": "Buy"})
		_ = d.SetNode("footer", "section", map[string]any{"dark": true})
	})
	client := edit(base, func(d *document.Document) {
		_ = d.SetNode("cta", "button", map[string]any{"label": "Try"})
		_ = d.Insert(document.RootID, -1, document.Node{ID: "faq", Type: "section"})
	})

	rec, err := resolver().Resolve(&base, server, client, Merge)
	require.NoError(t, err)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, "cta", rec.Conflicts[0].NodeID)
	require.Equal(t, KindBothModified, rec.Conflicts[0].Kind)

	cta, _ := rec.Resolved.Get("cta")
	require.Equal(t, "Buy", cta.Props["label"], "server value kept for the conflicting node")
	require.True(t, rec.Resolved.Has("faq"))
	footer, _ := rec.Resolved.Get("footer")
	require.Equal(t, true, footer.Props["dark"])
}

func TestMergeIdenticalChangesAgree(t *testing.T) {
	base := baseDoc()
	change := func(d *document.Document) { _ = d.SetNode("pricing", "section", map[string]any{"plans": 3}) }
	rec, err := resolver().Resolve(&base, edit(base, change), edit(base, change), Merge)
	require.NoError(t, err)
	require.Empty(t, rec.Conflicts)
}

func TestMergeRemoveAgainstServerEdit(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) {
		_ = d.SetNode("cta", "button", map[string]any{"label": "Now"})
	})
	client := edit(base, func(d *document.Document) {
		_, _ = d.Remove("hero")
		_, _ = d.Remove("footer")
	})

	rec, err := resolver().Resolve(&base, server, client, Merge)
	require.NoError(t, err)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, "cta", rec.Conflicts[0].NodeID)
	require.Equal(t, KindRemoveModify, rec.Conflicts[0].Kind)
	require.True(t, rec.Resolved.Has("hero"))
	require.True(t, rec.Resolved.Has("cta"))
	require.False(t, rec.Resolved.Has("footer"))
}

func TestMergeRemoveAgainstServerInsertUnderParent(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) {
		_ = d.Insert("hero", -1, document.Node{ID: "badge", Type: "label"})
	})
	client := edit(base, func(d *document.Document) {
		_, _ = d.Remove("hero")
	})

	rec, err := resolver().Resolve(&base, server, client, Merge)
	require.NoError(t, err)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, "hero", rec.Conflicts[0].NodeID)
	require.Equal(t, KindRemoveModify, rec.Conflicts[0].Kind)
	require.True(t, rec.Resolved.Has("badge"))
}

func TestMergeExcludesStructurallyInvalidChange(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) {
		_, _ = d.Remove("pricing")
	})
	client := edit(base, func(d *document.Document) {
		_ = d.Insert("pricing", -1, document.Node{ID: "plan", Type: "card"})
		_ = d.Insert("footer", -1, document.Node{ID: "links", Type: "menu"})
	})

	rec, err := resolver().Resolve(&base, server, client, Merge)
	require.NoError(t, err)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, "plan", rec.Conflicts[0].NodeID)
	require.Equal(t, KindStructure, rec.Conflicts[0].Kind)
	require.False(t, rec.Resolved.Has("plan"))
	require.Equal(t, []string{"links"}, rec.Resolved.ChildIDs("footer"))
	require.NoError(t, document.StructuralValidator{}.Validate(*rec.Resolved))
}

func TestMergeValidatorVetoesDepth(t *testing.T) {
	base := baseDoc()
	client := edit(base, func(d *document.Document) {
		_ = d.Insert("cta", -1, document.Node{ID: "icon", Type: "image"})
	})
	shallow := NewResolver(document.StructuralValidator{MaxDepth: 2})
	rec, err := shallow.Resolve(&base, base, client, Merge)
	require.NoError(t, err)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, KindStructure, rec.Conflicts[0].Kind)
	require.False(t, rec.Resolved.Has("icon"))
}

func TestMergeAppliesClientReorder(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) {
		_ = d.Insert(document.RootID, 1, document.Node{ID: "banner", Type: "section"})
	})
	client := edit(base, func(d *document.Document) {
		_ = d.Move("footer", document.RootID, 0)
	})

	rec, err := resolver().Resolve(&base, server, client, Merge)
	require.NoError(t, err)
	require.Empty(t, rec.Conflicts)
	require.Equal(t, []string{"footer", "banner", "hero", "pricing"}, rec.Resolved.ChildIDs(document.RootID))
}

func TestMergeBothReorderDifferently(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) { _ = d.Move("footer", document.RootID, 0) })
	client := edit(base, func(d *document.Document) { _ = d.Move("pricing", document.RootID, 0) })

	rec, err := resolver().Resolve(&base, server, client, Merge)
	require.NoError(t, err)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, KindOrder, rec.Conflicts[0].Kind)
	require.Equal(t, server.ChildIDs(document.RootID), rec.Resolved.ChildIDs(document.RootID))
}

func TestManualReportsEverything(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) {
		_ = d.SetNode("hero", "section", map[string]any{"title": "Server"})
	})
	client := edit(base, func(d *document.Document) {
		_ = d.SetNode("hero", "section", map[string]any{"title": "Client"})
		_ = d.SetNode("footer", "section", map[string]any{"x": 1})
	})

	rec, err := resolver().Resolve(&base, server, client, Manual)
	require.NoError(t, err)
	require.True(t, rec.Unresolved())
	require.Len(t, rec.Conflicts, 2)
	require.Equal(t, "footer", rec.Conflicts[0].NodeID)
	require.Equal(t, KindClientChange, rec.Conflicts[0].Kind)
	require.Equal(t, "hero", rec.Conflicts[1].NodeID)
	require.Equal(t, KindBothModified, rec.Conflicts[1].Kind)
}

func TestServerAndClientWins(t *testing.T) {
	base := baseDoc()
	server := edit(base, func(d *document.Document) { _, _ = d.Remove("footer") })
	client := edit(base, func(d *document.Document) { _, _ = d.Remove("pricing") })

	rec, err := resolver().Resolve(&base, server, client, ServerWins)
	require.NoError(t, err)
	require.True(t, document.Equal(*rec.Resolved, server))

	rec, err = resolver().Resolve(&base, server, client, ClientWins)
	require.NoError(t, err)
	require.True(t, document.Equal(*rec.Resolved, client))

	invalid := edit(base, func(d *document.Document) { d.Nodes = append(d.Nodes, document.Node{ID: "hero", Type: "dup"}) })
	_, err = resolver().Resolve(&base, server, invalid, ClientWins)
	require.ErrorIs(t, err, document.ErrInvalidDocument)
}

func TestMergeWithoutBaseIsTwoWay(t *testing.T) {
	base := baseDoc()
	client := edit(base, func(d *document.Document) {
		_ = d.SetNode("footer", "section", map[string]any{"x": 1})
	})
	rec, err := resolver().Resolve(nil, base, client, Merge)
	require.NoError(t, err)
	require.True(t, rec.TwoWay)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, KindDivergent, rec.Conflicts[0].Kind)
	require.True(t, document.Equal(*rec.Resolved, base))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, Merge, s)
	_, err = ParseStrategy("coin-flip")
	require.ErrorIs(t, err, ErrUnknownStrategy)
}
