// Package twitch is the chat transport: an IRC-over-WebSocket client that yields protocol events,
// and the OAuth token source it logs in with.
package twitch

import (
	"strings"

	"gopkg.in/irc.v4"
)

// Protocol commands the archiver reacts to.
const (
	CommandPrivmsg  = "PRIVMSG"
	CommandClearMsg = "CLEARMSG"
	CommandNotice   = "NOTICE"
)

// Event is one protocol message as received from the server.
type Event struct {
	Command string
	// Channel is the target channel without the leading '#', empty when the command has none.
	Channel string
	// Sender is the prefix nick, empty for server-originated commands.
	Sender string
	Body   string
	// Tags holds the IRCv3 message tags. A key that is present with an empty value is still present.
	Tags map[string]string
}

// Tag returns the value of key and whether the key was present at all.
func (e Event) Tag(key string) (string, bool) {
	v, ok := e.Tags[key]
	return v, ok
}

// EventFromMessage converts a parsed IRC line into an Event.
func EventFromMessage(m *irc.Message) Event {
	ev := Event{
		Command: strings.ToUpper(m.Command),
		Tags:    make(map[string]string, len(m.Tags)),
	}
	for k, v := range m.Tags {
		ev.Tags[k] = v
	}
	if m.Prefix != nil {
		ev.Sender = m.Prefix.Name
	}
	if len(m.Params) > 0 && strings.HasPrefix(m.Params[0], "#") {
		ev.Channel = strings.TrimPrefix(m.Params[0], "#")
	}
	if len(m.Params) > 1 || (len(m.Params) == 1 && ev.Channel == "") {
		ev.Body = m.Trailing()
	}
	return ev
}

// ParseLine parses one raw IRC line into an Event.
func ParseLine(line string) (Event, error) {
	m, err := irc.ParseMessage(line)
	if err != nil {
		return Event{}, err
	}
	return EventFromMessage(m), nil
}
