package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
)

func sampleTransaction() *Transaction {
	fwd := mutation.NewUpdate(mutation.Set, "tags", []any{"a"})
	undone := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Transaction{
		ID:          "t-1",
		Owner:       "alice",
		Description: "tag posts",
		Context:     doc.NewObject("source", "import"),
		State:       StateDone,
		UndoneAt:    &undone,
		Items: []Action{
			{
				Collection: "posts",
				DocumentID: "a",
				Kind:       KindInsert,
				State:      StateDone,
				Document:   doc.NewObject("_id", "a", "meta", map[string]any{"n": 1}),
			},
			{
				Collection: "posts",
				DocumentID: "b",
				Kind:       KindUpdate,
				State:      StateDone,
				Forward:    &fwd,
				Inverse:    mutation.Of(mutation.NewUpdate(mutation.Unset, "tags", "")),
			},
			{Collection: "users", DocumentID: "u", Kind: KindInsert, State: StateDone},
			{Collection: "posts", DocumentID: "c", Kind: KindInsert, State: StateDone},
		},
		LastModified: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Seq:          4,
	}
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	for _, s := range []State{StateDone, StateRolledBack, StateUndone} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestTransaction_NewIDs(t *testing.T) {
	assert.Equal(t, map[string][]string{
		"posts": {"a", "c"},
		"users": {"u"},
	}, sampleTransaction().NewIDs())
}

func TestTransaction_Clone(t *testing.T) {
	orig := sampleTransaction()
	cp := orig.Clone()
	require.Equal(t, orig, cp)

	// Mutating the copy must leave the original untouched.
	cp.Context["source"] = doc.String("manual")
	cp.Items[0].Document["meta"].(doc.Object)["n"] = doc.Int(9)
	cp.Items[1].Forward.Fields[0].Value = doc.Null{}
	cp.Items[1].Inverse[0].Command = mutation.Set
	*cp.UndoneAt = cp.UndoneAt.Add(time.Hour)

	assert.Equal(t, sampleTransaction(), orig)
}

func TestTransaction_JSON(t *testing.T) {
	data, err := json.Marshal(sampleTransaction())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "t-1", fields["id"])
	assert.Equal(t, "done", fields["state"])
	assert.Equal(t, false, fields["expired"])
	assert.Contains(t, fields, "undone_at")

	items := fields["items"].([]any)
	require.Len(t, items, 4)
	update := items[1].(map[string]any)
	assert.Equal(t, "update", update["kind"])
	assert.Contains(t, update, "forward")
	assert.NotContains(t, update, "document")
}

func TestFilter_Matches(t *testing.T) {
	tx := sampleTransaction()

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero matches all", Filter{}, true},
		{"owner", Filter{Owner: "alice"}, true},
		{"other owner", Filter{Owner: "bob"}, false},
		{"state listed", Filter{States: []State{StateUndone, StateDone}}, true},
		{"state not listed", Filter{States: []State{StatePending}}, false},
		{"since before", Filter{Since: tx.LastModified.Add(-time.Minute)}, true},
		{"since equal", Filter{Since: tx.LastModified}, true},
		{"since after", Filter{Since: tx.LastModified.Add(time.Minute)}, false},
		{"limit ignored", Filter{Limit: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tx))
		})
	}
}
