package router

import (
	"strings"

	"watchbot/internal/watch"
)

// ParseCommand maps message text to a watch command.
//
// /start, /status, /clear and /help must be the whole message. poll and stop
// match as a case-insensitive prefix with or without the slash, and the rest
// of the text becomes Args. Anything else is help. A "@botname" suffix on a
// slash command is ignored.
func ParseCommand(text string) watch.Command {
	text = stripBotName(strings.TrimSpace(text))

	switch strings.ToLower(text) {
	case "/start":
		return watch.Command{Name: watch.CmdStart}
	case "/status":
		return watch.Command{Name: watch.CmdStatus}
	case "/clear":
		return watch.Command{Name: watch.CmdClear}
	case "/help":
		return watch.Command{Name: watch.CmdHelp}
	}

	body := strings.TrimPrefix(text, "/")
	lower := strings.ToLower(body)
	for _, name := range []watch.CommandName{watch.CmdPoll, watch.CmdStop} {
		if strings.HasPrefix(lower, string(name)) {
			return watch.Command{Name: name, Args: strings.TrimSpace(body[len(name):])}
		}
	}
	return watch.Command{Name: watch.CmdHelp, Args: text}
}

func stripBotName(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	word, rest, hasRest := strings.Cut(text, " ")
	i := strings.IndexByte(word, '@')
	if i <= 0 {
		return text
	}
	if hasRest {
		return word[:i] + " " + rest
	}
	return word[:i]
}
