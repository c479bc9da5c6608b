package capabilities

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/rooms"
)

// SearchResult is one ranked hit from a server-side message search.
type SearchResult struct {
	Rank  float64
	Event event.Event
}

// SearchManager runs server-side message search and cache-local room
// search.
type SearchManager struct {
	session *client.Session
	rooms   *rooms.Manager
	logger  zerolog.Logger
}

func NewSearchManager(session *client.Session, roomMgr *rooms.Manager, logger zerolog.Logger) *SearchManager {
	return &SearchManager{
		session: session,
		rooms:   roomMgr,
		logger:  logger.With().Str("capability", "search").Logger(),
	}
}

func (m *SearchManager) Name() string { return "search" }

func (m *SearchManager) Dispose() {}

// SearchMessages runs a server-side full-text search over room events.
func (m *SearchManager) SearchMessages(ctx context.Context, term string, limit int) ([]SearchResult, error) {
	if term == "" {
		return nil, &internal.StateError{Op: "SearchMessages", Reason: "search term is required"}
	}
	if limit <= 0 {
		limit = 20
	}
	reqBody := map[string]interface{}{
		"search_categories": map[string]interface{}{
			"room_events": map[string]interface{}{
				"search_term": term,
				"limit":       limit,
				"order_by":    "rank",
			},
		},
	}
	body, err := m.session.HTTP.Do(ctx, "POST", "/search", nil, reqBody)
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	results := gjson.GetBytes(body, "search_categories.room_events.results")
	for _, hit := range results.Array() {
		ev, ok := event.Parse(json.RawMessage(hit.Get("result").Raw))
		if !ok {
			m.logger.Warn().Msg("skipping malformed search result")
			continue
		}
		out = append(out, SearchResult{
			Rank:  hit.Get("rank").Float(),
			Event: ev,
		})
	}
	return out, nil
}

// SearchRooms matches the query against cached room names and topics, with
// no network round trip.
func (m *SearchManager) SearchRooms(query string) []rooms.Room {
	if m.rooms == nil {
		return nil
	}
	return m.rooms.Search(query)
}
