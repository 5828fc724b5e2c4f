// Package ingest turns protocol events into storage actions and applies them sequentially.
package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatlog/cmd/internal/archive"
	"chatlog/cmd/internal/twitch"
)

// Tag keys read from protocol events.
const (
	tagID          = "id"
	tagRoomID      = "room-id"
	tagUserID      = "user-id"
	tagSentTS      = "tmi-sent-ts"
	tagReplyParent = "reply-parent-msg-id"
	tagSubscriber  = "subscriber"
	tagMod         = "mod"
	tagVIP         = "vip"
	tagEmotes      = "emotes"
	tagBadges      = "badges"
	tagUserType    = "user-type"
	tagTargetMsgID = "target-msg-id"
)

// Action is the single outcome of extracting one event.
type Action interface {
	// Kind labels the action for logs and metrics.
	Kind() string
}

// StoreMessage inserts a new row.
type StoreMessage struct {
	Message archive.Message
}

// DeleteMessage soft-deletes the row with ID.
type DeleteMessage struct {
	ID        uuid.UUID
	DeletedAt time.Time
}

// Notice is a server notice, logged and never stored.
type Notice struct {
	Body string
	// AuthFailure marks the notices the server sends when login was rejected.
	AuthFailure bool
}

// Ignore drops the event. Reason is empty for event kinds the archiver does not handle.
type Ignore struct {
	Reason string
}

func (StoreMessage) Kind() string  { return "store" }
func (DeleteMessage) Kind() string { return "delete" }
func (Notice) Kind() string        { return "notice" }
func (Ignore) Kind() string        { return "ignore" }

var authFailureNotices = []string{
	"login authentication failed",
	"login unsuccessful",
	"improperly formatted auth",
}

// Extract maps one protocol event to exactly one Action. It performs no I/O.
func Extract(ev twitch.Event) Action {
	switch ev.Command {
	case twitch.CommandPrivmsg:
		return extractPrivmsg(ev)
	case twitch.CommandClearMsg:
		return extractClearMsg(ev)
	case twitch.CommandNotice:
		return extractNotice(ev)
	default:
		return Ignore{}
	}
}

func extractPrivmsg(ev twitch.Event) Action {
	if ev.Sender == "" {
		return Ignore{Reason: "message has no sender"}
	}
	if ev.Channel == "" {
		return Ignore{Reason: "message has no channel"}
	}

	id, err := uuidTag(ev, tagID)
	if err != nil {
		return Ignore{Reason: err.Error()}
	}
	roomID, err := intTag(ev, tagRoomID)
	if err != nil {
		return Ignore{Reason: err.Error()}
	}
	userID, err := intTag(ev, tagUserID)
	if err != nil {
		return Ignore{Reason: err.Error()}
	}
	sentAt, err := timeTag(ev, tagSentTS)
	if err != nil {
		return Ignore{Reason: fmt.Sprintf("message %s: %v", id, err)}
	}

	m := archive.Message{
		ID:        id,
		Channel:   strings.ToLower(ev.Channel),
		RoomID:    roomID,
		UserID:    userID,
		Username:  ev.Sender,
		Text:      ev.Body,
		Timestamp: sentAt,
		Emotes:    optionalTag(ev, tagEmotes),
		Badges:    optionalTag(ev, tagBadges),
		UserType:  optionalTag(ev, tagUserType),
	}
	_, m.Subscriber = ev.Tag(tagSubscriber)
	_, m.Moderator = ev.Tag(tagMod)
	_, m.VIP = ev.Tag(tagVIP)

	// The parent id is a weak reference; an unparseable one is treated as absent.
	if v := optionalTag(ev, tagReplyParent); v != nil {
		if parent, err := uuid.Parse(*v); err == nil {
			m.ReplyingTo = &parent
		}
	}
	return StoreMessage{Message: m}
}

func extractClearMsg(ev twitch.Event) Action {
	at, err := timeTag(ev, tagSentTS)
	if err != nil {
		return Ignore{Reason: "deletion: " + err.Error()}
	}
	id, err := uuidTag(ev, tagTargetMsgID)
	if err != nil {
		return Ignore{Reason: "deletion: " + err.Error()}
	}
	return DeleteMessage{ID: id, DeletedAt: at}
}

func extractNotice(ev twitch.Event) Action {
	n := Notice{Body: ev.Body}
	body := strings.TrimSpace(ev.Body)
	for _, s := range authFailureNotices {
		if strings.EqualFold(body, s) {
			n.AuthFailure = true
			break
		}
	}
	return n
}

func requiredTag(ev twitch.Event, key string) (string, error) {
	v, ok := ev.Tag(key)
	if !ok || v == "" {
		return "", fmt.Errorf("missing %s tag", key)
	}
	return v, nil
}

func uuidTag(ev twitch.Event, key string) (uuid.UUID, error) {
	v, err := requiredTag(ev, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed %s tag %q", key, v)
	}
	return id, nil
}

func intTag(ev twitch.Event, key string) (int64, error) {
	v, err := requiredTag(ev, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s tag %q", key, v)
	}
	return n, nil
}

// timeTag reads a millisecond unix timestamp.
func timeTag(ev twitch.Event, key string) (time.Time, error) {
	ms, err := intTag(ev, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func optionalTag(ev twitch.Event, key string) *string {
	v, ok := ev.Tag(key)
	if !ok || v == "" {
		return nil
	}
	return &v
}
