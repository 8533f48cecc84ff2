package bakery

import (
	"strings"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bakery/internal/repo"
)

func TestNewBakery(t *testing.T) {
	b := NewBakery([]string{"2", "1"})

	assert.Equal(t, []string{"1", "2"}, b.IDs())
	assert.Equal(t, uint64(0), b.Output)
	for _, id := range b.IDs() {
		c, err := b.Customer(id)
		require.NoError(t, err)
		assert.Equal(t, Sentinel, c.Ticket)
		assert.Equal(t, map[string]uint64{"1": Sentinel, "2": Sentinel}, c.ViewsOfOthers)

		seen, err := b.Seen(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), seen)
	}

	_, err := b.Customer("9")
	assert.ErrorIs(t, err, ErrInvariantViolation)
	_, err = b.Seen("9")
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestReconcileHydrate(t *testing.T) {
	want := NewBakery([]string{"1", "2", "3"})
	want.Output = 4
	want.OutputSeen["2"] = 4
	c := want.Customers["3"]
	c.Ticket = 7
	c.ViewsOfOthers["1"] = 2
	want.Customers["3"] = c

	doc := automerge.New()
	written, err := Reconcile(doc, &want)
	require.NoError(t, err)
	assert.Positive(t, written)
	_, err = doc.Commit("seed")
	require.NoError(t, err)

	got, err := Hydrate(doc)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Reconciling the same aggregate again changes nothing.
	heads := doc.Heads()
	written, err = Reconcile(doc, &got)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Equal(t, heads, doc.Heads())
}

func TestHydrateMalformed(t *testing.T) {
	build := func(t *testing.T, fields map[string]any) *automerge.Doc {
		t.Helper()
		doc := automerge.New()
		for path, v := range fields {
			var p []any
			for _, part := range strings.Split(path, "/") {
				p = append(p, part)
			}
			require.NoError(t, doc.Path(p...).Set(v))
		}
		return doc
	}

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"no output", map[string]any{
			"customers/1/ticket":  uint64(0),
			"customers/1/views/1": uint64(0),
		}},
		{"customer without ticket", map[string]any{
			"output":              uint64(0),
			"output_seen/1":       uint64(0),
			"customers/1/views/1": uint64(0),
		}},
		{"customer without views", map[string]any{
			"output":             uint64(0),
			"output_seen/1":      uint64(0),
			"customers/1/ticket": uint64(0),
		}},
		{"ticket of the wrong kind", map[string]any{
			"output":              uint64(0),
			"output_seen/1":       uint64(0),
			"customers/1/ticket":  "zero",
			"customers/1/views/1": uint64(0),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Hydrate(build(t, tt.fields))
			assert.ErrorIs(t, err, ErrInvariantViolation)
		})
	}
}

func TestSeedSnapshot(t *testing.T) {
	r := repo.New("1")
	defer r.Stop()

	h, err := r.NewDocument()
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, Seed(h, []string{"1", "2", "3"}))
	got, err := Snapshot(h)
	require.NoError(t, err)
	assert.Equal(t, NewBakery([]string{"1", "2", "3"}), got)
}

func TestUpdateErrorLeavesDocument(t *testing.T) {
	r := repo.New("1")
	defer r.Stop()

	h, err := r.NewDocument()
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, Seed(h, []string{"1"}))

	err = update(h, func(b *Bakery) error {
		b.Output = 10
		_, err := b.Customer("nobody")
		return err
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	got, err := Snapshot(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Output)
}

func TestIsShutdown(t *testing.T) {
	assert.True(t, IsShutdown(repo.ErrShutdown))
	assert.True(t, IsShutdown(repo.ErrHandleClosed))
	assert.False(t, IsShutdown(ErrInvariantViolation))
	assert.False(t, IsShutdown(nil))
}
