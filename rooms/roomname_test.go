package rooms

import "testing"

func TestCalculateRoomName(t *testing.T) {
	testCases := []struct {
		name           string
		roomName       string
		canonicalAlias string
		heroes         []Hero
		joinCount      int
		inviteCount    int
		want           string
	}{
		{
			name:      "explicit name wins",
			roomName:  "Ops",
			heroes:    []Hero{{ID: "@bob:s", Name: "Bob"}},
			joinCount: 5,
			want:      "Ops",
		},
		{
			name:           "canonical alias when no name",
			canonicalAlias: "#ops:example.org",
			joinCount:      5,
			want:           "#ops:example.org",
		},
		{
			name:      "single hero",
			heroes:    []Hero{{ID: "@bob:s", Name: "Bob"}},
			joinCount: 2,
			want:      "Bob",
		},
		{
			name:      "two heroes",
			heroes:    []Hero{{ID: "@bob:s", Name: "Bob"}, {ID: "@carol:s", Name: "Carol"}},
			joinCount: 3,
			want:      "Bob and Carol",
		},
		{
			name:      "duplicate names disambiguated with ids",
			heroes:    []Hero{{ID: "@bob1:s", Name: "Bob"}, {ID: "@bob2:s", Name: "Bob"}},
			joinCount: 3,
			want:      "Bob (@bob1:s) and Bob (@bob2:s)",
		},
		{
			name:      "more members than heroes",
			heroes:    []Hero{{ID: "@bob:s", Name: "Bob"}, {ID: "@carol:s", Name: "Carol"}},
			joinCount: 10,
			want:      "Bob, Carol and 7 others",
		},
		{
			name:      "empty room",
			joinCount: 1,
			want:      "Empty Room",
		},
		{
			name:      "left dm",
			heroes:    []Hero{{ID: "@bob:s", Name: "Bob"}},
			joinCount: 1,
			want:      "Bob",
		},
		{
			name:        "left group",
			heroes:      []Hero{{ID: "@bob:s", Name: "Bob"}, {ID: "@carol:s", Name: "Carol"}},
			joinCount:   1,
			inviteCount: 0,
			want:        "Empty Room (was Bob and Carol)",
		},
	}
	for _, tc := range testCases {
		got := calculateRoomName(tc.roomName, tc.canonicalAlias, 5, heroInfo{
			Heroes:      tc.heroes,
			JoinCount:   tc.joinCount,
			InviteCount: tc.inviteCount,
		})
		if got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
