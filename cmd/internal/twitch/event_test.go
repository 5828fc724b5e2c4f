package twitch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			name: "privmsg with tags",
			line: `@badge-info=;badges=vip/1;id=885196de-cb67-427a-baa8-82f9b0fcd05f;mod=0;room-id=22484632;subscriber=;tmi-sent-ts=1662290134442;user-id=123 :alice!alice@alice.tmi.twitch.tv PRIVMSG #forsen :hello there`,
			want: Event{
				Command: CommandPrivmsg,
				Channel: "forsen",
				Sender:  "alice",
				Body:    "hello there",
				Tags: map[string]string{
					"badge-info":  "",
					"badges":      "vip/1",
					"id":          "885196de-cb67-427a-baa8-82f9b0fcd05f",
					"mod":         "0",
					"room-id":     "22484632",
					"subscriber":  "",
					"tmi-sent-ts": "1662290134442",
					"user-id":     "123",
				},
			},
		},
		{
			name: "clearmsg",
			line: `@login=alice;target-msg-id=885196de-cb67-427a-baa8-82f9b0fcd05f;tmi-sent-ts=1662290200000 :tmi.twitch.tv CLEARMSG #forsen :hello there`,
			want: Event{
				Command: CommandClearMsg,
				Channel: "forsen",
				Sender:  "tmi.twitch.tv",
				Body:    "hello there",
				Tags: map[string]string{
					"login":         "alice",
					"target-msg-id": "885196de-cb67-427a-baa8-82f9b0fcd05f",
					"tmi-sent-ts":   "1662290200000",
				},
			},
		},
		{
			name: "notice without channel",
			line: `:tmi.twitch.tv NOTICE * :Login authentication failed`,
			want: Event{
				Command: CommandNotice,
				Sender:  "tmi.twitch.tv",
				Body:    "Login authentication failed",
				Tags:    map[string]string{},
			},
		},
		{
			name: "join has no body",
			line: `:bot!bot@bot.tmi.twitch.tv JOIN #forsen`,
			want: Event{
				Command: "JOIN",
				Channel: "forsen",
				Sender:  "bot",
				Tags:    map[string]string{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvent_TagPresence(t *testing.T) {
	ev, err := ParseLine(`@subscriber=;vip=1 :a!a@a PRIVMSG #c :x`)
	require.NoError(t, err)

	v, ok := ev.Tag("subscriber")
	require.True(t, ok)
	require.Empty(t, v)

	_, ok = ev.Tag("mod")
	require.False(t, ok)
}

func TestParseLine_Malformed(t *testing.T) {
	_, err := ParseLine("")
	require.Error(t, err)
}
