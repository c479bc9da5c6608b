package capabilities

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/event"
	"github.com/fedsync/fedclient/internal"
	"github.com/fedsync/fedclient/rooms"
)

// RelationsManager wraps the relation operations: edits, reactions,
// redactions, replies and relation queries with their derived aggregations.
type RelationsManager struct {
	session *client.Session
	rooms   *rooms.Manager
	logger  zerolog.Logger
}

func NewRelationsManager(session *client.Session, roomMgr *rooms.Manager, logger zerolog.Logger) *RelationsManager {
	return &RelationsManager{
		session: session,
		rooms:   roomMgr,
		logger:  logger.With().Str("capability", "relations").Logger(),
	}
}

func (m *RelationsManager) Name() string { return "relations" }

// Dispose releases local state only. Idempotent.
func (m *RelationsManager) Dispose() {}

// Edit sends a replacement for targetEventID. The event carries the new
// content under m.new_content plus a "* "-prefixed fallback body, so
// consumers unaware of replace relations still render something sensible.
func (m *RelationsManager) Edit(ctx context.Context, roomID, targetEventID, newBody string) (string, error) {
	if err := validateIDs("Edit", roomID, targetEventID); err != nil {
		return "", err
	}
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, "msgtype", "m.text")
	content, _ = sjson.SetBytes(content, "body", "* "+newBody)
	content, _ = sjson.SetBytes(content, `m\.new_content.msgtype`, "m.text")
	content, _ = sjson.SetBytes(content, `m\.new_content.body`, newBody)
	content, _ = sjson.SetBytes(content, `m\.relates_to.rel_type`, event.RelReplace)
	content, _ = sjson.SetBytes(content, `m\.relates_to.event_id`, targetEventID)
	eventID, _, err := m.session.SendEvent(ctx, roomID, event.TypeMessage, json.RawMessage(content))
	return eventID, err
}

// React sends an annotation relation on targetEventID with the given
// reaction key.
func (m *RelationsManager) React(ctx context.Context, roomID, targetEventID, key string) (string, error) {
	if err := validateIDs("React", roomID, targetEventID); err != nil {
		return "", err
	}
	if key == "" {
		return "", &internal.StateError{Op: "React", Reason: "reaction key is required"}
	}
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, `m\.relates_to.rel_type`, event.RelAnnotation)
	content, _ = sjson.SetBytes(content, `m\.relates_to.event_id`, targetEventID)
	content, _ = sjson.SetBytes(content, `m\.relates_to.key`, key)
	eventID, _, err := m.session.SendEvent(ctx, roomID, event.TypeReaction, json.RawMessage(content))
	return eventID, err
}

// Redact removes the content of eventID server-side, leaving a tombstone.
// Returns the id of the redaction event. Contract: if the server response
// omits the redaction event id, Redact returns the id of the redacted event
// instead; callers must not assume the returned id names a new event.
func (m *RelationsManager) Redact(ctx context.Context, roomID, eventID, reason string) (string, error) {
	if err := validateIDs("Redact", roomID, eventID); err != nil {
		return "", err
	}
	txnID := m.session.GenerateTxnID()
	path := "/rooms/" + url.PathEscape(roomID) + "/redact/" + url.PathEscape(eventID) + "/" + url.PathEscape(txnID)
	reqBody := map[string]interface{}{}
	if reason != "" {
		reqBody["reason"] = reason
	}
	body, err := m.session.HTTP.Do(ctx, "POST", path, nil, reqBody)
	if err != nil {
		return "", err
	}
	redactionID := gjson.GetBytes(body, "event_id").Str
	if redactionID == "" {
		return eventID, nil
	}
	return redactionID, nil
}

// Reply sends text as a reply to inReplyToID. When the original event is in
// the cached timeline, the plain body is prefixed with a quoted fallback of
// the form "> <sender> <original-body>\n<reply-text>" and a parallel
// formatted body carries a structured quote for relation-aware consumers.
func (m *RelationsManager) Reply(ctx context.Context, roomID, inReplyToID, text string) (string, error) {
	if err := validateIDs("Reply", roomID, inReplyToID); err != nil {
		return "", err
	}
	body := text
	formatted := ""
	if orig, ok := m.findCachedEvent(roomID, inReplyToID); ok {
		origBody := orig.Body()
		body = quoteFallback(orig.Sender, origBody, text)
		formatted = "<mx-reply><blockquote><a href=\"https://matrix.to/#/" + roomID + "/" + inReplyToID + "\">In reply to</a> " +
			orig.Sender + "<br>" + origBody + "</blockquote></mx-reply>" + text
	}
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, "msgtype", "m.text")
	content, _ = sjson.SetBytes(content, "body", body)
	if formatted != "" {
		content, _ = sjson.SetBytes(content, "format", "org.matrix.custom.html")
		content, _ = sjson.SetBytes(content, "formatted_body", formatted)
	}
	content, _ = sjson.SetBytes(content, `m\.relates_to.m\.in_reply_to.event_id`, inReplyToID)
	eventID, _, err := m.session.SendEvent(ctx, roomID, event.TypeMessage, json.RawMessage(content))
	return eventID, err
}

// quoteFallback builds the plain-text quoted form of a reply. Each line of
// the original is quoted so multi-line originals stay readable.
func quoteFallback(sender, origBody, text string) string {
	lines := strings.Split(origBody, "\n")
	quoted := make([]string, len(lines))
	for i, line := range lines {
		if i == 0 {
			quoted[i] = "> <" + sender + "> " + line
		} else {
			quoted[i] = "> " + line
		}
	}
	return strings.Join(quoted, "\n") + "\n" + text
}

func (m *RelationsManager) findCachedEvent(roomID, eventID string) (event.Event, bool) {
	if m.rooms == nil {
		return event.Event{}, false
	}
	room, ok := m.rooms.Get(roomID)
	if !ok {
		return event.Event{}, false
	}
	for i := range room.Timeline {
		if room.Timeline[i].ID == eventID {
			return room.Timeline[i], true
		}
	}
	return event.Event{}, false
}

// RelationsPage is one page of a relations query.
type RelationsPage struct {
	Chunk     []event.Event
	NextBatch string
}

// Relations fetches events related to eventID, optionally filtered by
// relation type, paginated via from/limit.
func (m *RelationsManager) Relations(ctx context.Context, roomID, eventID, relType string, limit int, from string) (*RelationsPage, error) {
	if err := validateIDs("Relations", roomID, eventID); err != nil {
		return nil, err
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/relations/" + url.PathEscape(eventID)
	qps := url.Values{}
	if relType != "" {
		qps.Set("rel_type", relType)
	}
	if limit > 0 {
		qps.Set("limit", strconv.Itoa(limit))
	}
	if from != "" {
		qps.Set("from", from)
	}
	body, err := m.session.HTTP.Do(ctx, "GET", path, qps, nil)
	if err != nil {
		return nil, err
	}
	page := &RelationsPage{
		NextBatch: gjson.GetBytes(body, "next_batch").Str,
	}
	for _, raw := range gjson.GetBytes(body, "chunk").Array() {
		ev, ok := event.Parse(json.RawMessage(raw.Raw))
		if !ok {
			m.logger.Warn().Str("room_id", roomID).Msg("skipping malformed relation event")
			continue
		}
		page.Chunk = append(page.Chunk, ev)
	}
	return page, nil
}

// ReactionAggregation is the derived per-key summary of annotation events.
// It is recomputed from the event set on every call, never incrementally
// maintained, so it cannot drift.
type ReactionAggregation struct {
	Key      string
	Count    int
	EventIDs []string
}

// AggregateReactions groups annotation events by reaction key. The result
// is independent of input order: keys are sorted, and so are the
// contributing event ids.
func AggregateReactions(events []event.Event) []ReactionAggregation {
	byKey := make(map[string][]string)
	for i := range events {
		rel := events[i].Relation()
		if rel == nil || rel.RelType != event.RelAnnotation || rel.Key == "" {
			continue
		}
		byKey[rel.Key] = append(byKey[rel.Key], events[i].ID)
	}
	out := make([]ReactionAggregation, 0, len(byKey))
	for key, ids := range byKey {
		sort.Strings(ids)
		out = append(out, ReactionAggregation{Key: key, Count: len(ids), EventIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reactions fetches all annotation relations on eventID and aggregates them.
func (m *RelationsManager) Reactions(ctx context.Context, roomID, eventID string) ([]ReactionAggregation, error) {
	events, err := m.allRelations(ctx, roomID, eventID, event.RelAnnotation)
	if err != nil {
		return nil, err
	}
	return AggregateReactions(events), nil
}

// EditHistory returns the chronological list of replacement events for
// eventID, oldest first.
func (m *RelationsManager) EditHistory(ctx context.Context, roomID, eventID string) ([]event.Event, error) {
	events, err := m.allRelations(ctx, roomID, eventID, event.RelReplace)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OriginServerTS != events[j].OriginServerTS {
			return events[i].OriginServerTS < events[j].OriginServerTS
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

// allRelations pages through the full relation set.
func (m *RelationsManager) allRelations(ctx context.Context, roomID, eventID, relType string) ([]event.Event, error) {
	var out []event.Event
	from := ""
	for {
		page, err := m.Relations(ctx, roomID, eventID, relType, 100, from)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Chunk...)
		if page.NextBatch == "" {
			return out, nil
		}
		from = page.NextBatch
	}
}

func validateIDs(op, roomID, eventID string) error {
	if roomID == "" {
		return &internal.StateError{Op: op, Reason: "roomID is required"}
	}
	if eventID == "" {
		return &internal.StateError{Op: op, Reason: "eventID is required"}
	}
	return nil
}
