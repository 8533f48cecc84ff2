package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMembership(t *testing.T) {
	tests := []struct {
		name    string
		members []Member
		wantIDs []string
		wantErr bool
	}{
		{
			name: "sorted by id",
			members: []Member{
				{ID: "3", Addr: "http://localhost:3003"},
				{ID: "1", Addr: "http://localhost:3001"},
				{ID: "2", Addr: "http://localhost:3002"},
			},
			wantIDs: []string{"1", "2", "3"},
		},
		{
			name:    "single member",
			members: []Member{{ID: "solo", Addr: "localhost:3000"}},
			wantIDs: []string{"solo"},
		},
		{name: "empty", wantErr: true},
		{name: "empty id", members: []Member{{ID: "", Addr: "x"}}, wantErr: true},
		{name: "slash in id", members: []Member{{ID: "a/b", Addr: "x"}}, wantErr: true},
		{
			name:    "duplicate id",
			members: []Member{{ID: "1", Addr: "a"}, {ID: "1", Addr: "b"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMembership(tt.members)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, m.IDs())
			assert.Equal(t, len(tt.wantIDs), m.Len())
		})
	}
}

func TestMembershipLookupAndOthers(t *testing.T) {
	m, err := NewMembership([]Member{
		{ID: "2", Addr: "b"},
		{ID: "1", Addr: "a"},
		{ID: "3", Addr: "c"},
	})
	require.NoError(t, err)

	mem, err := m.Lookup("2")
	require.NoError(t, err)
	assert.Equal(t, "b", mem.Addr)

	_, err = m.Lookup("4")
	assert.ErrorIs(t, err, ErrUnknownMember)

	assert.Equal(t, []Member{{ID: "1", Addr: "a"}, {ID: "3", Addr: "c"}}, m.Others("2"))
	assert.Len(t, m.Others("4"), 3)

	// Members returns a copy
	all := m.Members()
	all[0].ID = "changed"
	assert.Equal(t, "1", m.IDs()[0])
}

func TestParseMember(t *testing.T) {
	mem, err := ParseMember(" 1=http://localhost:3001 ")
	require.NoError(t, err)
	assert.Equal(t, Member{ID: "1", Addr: "http://localhost:3001"}, mem)

	for _, bad := range []string{"", "1", "=addr", "1="} {
		_, err := ParseMember(bad)
		assert.Error(t, err, bad)
	}
}
