package transport

import "context"

// Sender narrows an Adapter to plain-text delivery. It satisfies the
// notifier's and the log sink's sender interfaces.
type Sender struct {
	Adapter Adapter
}

func (s Sender) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := s.Adapter.SendText(ctx, ChatTarget{ChatID: chatID}, text, &SendOptions{DisablePreview: true})
	return err
}

func (s Sender) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := s.Adapter.SendText(ctx, ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &SendOptions{DisablePreview: true})
	return err
}
