package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "watchbot/pkg/logx"
)

func TestSplitText_ShortPassesThrough(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitText_RuneLimit(t *testing.T) {
	s := strings.Repeat("é", 25)
	chunks := splitText(s, 10, "")
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestSplitText_PrefersNewline(t *testing.T) {
	s := "aaaaaa\nbbbbbbbbbb"
	chunks := splitText(s, 10, "")
	assert.Equal(t, []string{"aaaaaa", "bbbbbbbbbb"}, chunks)
}

func TestSplitText_AvoidsCuttingHTMLTag(t *testing.T) {
	s := "abcdefg<b>bold</b>"
	chunks := splitText(s, 9, "HTML")
	require.NotEmpty(t, chunks)
	assert.Equal(t, "abcdefg", chunks[0])
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)

	_, err = New(Config{Token: "1:x", Mode: "carrier-pigeon", Offline: true}, logx.Nop())
	require.Error(t, err)

	a, err := New(Config{Token: "1:x", Offline: true}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, ModePolling, a.mode())

	a, err = New(Config{Token: "1:x", Mode: "webhook", WebhookListen: ":0", WebhookPublicURL: "https://example.com/hook", Offline: true}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, ModeWebhook, a.mode())
}
