package watch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"watchbot/internal/eventbus"
	logx "watchbot/pkg/logx"
)

// AddItem upserts item for id, ensures id has a reaction registered and makes
// sure a tick is pending. On a storage error the registry is left untouched.
func (e *Engine) AddItem(ctx context.Context, id SubscriberID, item string) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	unlock := e.lockSubscriber(id)
	defer unlock()

	if err := e.store.Upsert(ctx, id, item); err != nil {
		return fmt.Errorf("add item %q: %w", item, err)
	}
	e.log.Info("item added", logx.Int64("subscriber", id), logx.String("item", item))
	if e.registry.Subscribe(id, e.reactionFor(id)) {
		e.log.Info("subscribed for updates", logx.Int64("subscriber", id))
		e.publish(eventbus.TypeSubscribed, ItemsEvent{Subscriber: id, Items: []string{item}})
		e.metrics.SetSubscribers(e.registry.Len())
	}
	e.sched.Arm()
	return nil
}

// RemoveItem deletes item for id and drops the registry entry once id has no
// items left.
func (e *Engine) RemoveItem(ctx context.Context, id SubscriberID, item string) error {
	unlock := e.lockSubscriber(id)
	defer unlock()

	if err := e.store.Remove(ctx, id, item); err != nil {
		return fmt.Errorf("remove item %q: %w", item, err)
	}
	rest, err := e.store.ItemsFor(ctx, id)
	if err != nil {
		return fmt.Errorf("remove item %q: %w", item, err)
	}
	e.log.Info("item removed", logx.Int64("subscriber", id), logx.String("item", item))
	if len(rest) == 0 {
		e.unsubscribe(id)
	}
	return nil
}

// ClearAll removes every item of id together with its registry entry.
func (e *Engine) ClearAll(ctx context.Context, id SubscriberID) error {
	unlock := e.lockSubscriber(id)
	defer unlock()

	if err := e.store.Clear(ctx, id); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	e.log.Info("items cleared", logx.Int64("subscriber", id))
	e.unsubscribe(id)
	return nil
}

// Items returns the items watched by id, sorted.
func (e *Engine) Items(ctx context.Context, id SubscriberID) ([]string, error) {
	items, err := e.store.ItemsFor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	out := append([]string(nil), items...)
	sort.Strings(out)
	return out, nil
}

func (e *Engine) unsubscribe(id SubscriberID) {
	if e.registry.Unsubscribe(id) {
		e.log.Info("unsubscribed from updates", logx.Int64("subscriber", id))
		e.publish(eventbus.TypeUnsubscribed, ItemsEvent{Subscriber: id})
		e.metrics.SetSubscribers(e.registry.Len())
	}
}

// HandleCommand executes cmd for id and returns the reply text. Errors are
// internal failures (storage); bad user input produces a reply, not an error.
func (e *Engine) HandleCommand(ctx context.Context, id SubscriberID, cmd Command) (string, error) {
	switch cmd.Name {
	case CmdStart:
		return e.strategy.StartMessage(), nil

	case CmdStatus:
		items, err := e.Items(ctx, id)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "No processes running", nil
		}
		return "Polling processes are run for items " + strings.Join(items, ", "), nil

	case CmdClear:
		items, err := e.Items(ctx, id)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "No processes to stop", nil
		}
		if err := e.ClearAll(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Polling processes for items %s are stopped", strings.Join(items, ", ")), nil

	case CmdPoll:
		item, reply, ok := e.parseItem(cmd)
		if !ok {
			return reply, nil
		}
		if err := e.AddItem(ctx, id, item); err != nil {
			return "", err
		}
		e.sched.Kick()
		return "Starting polling availability for item " + item, nil

	case CmdStop:
		item, reply, ok := e.parseItem(cmd)
		if !ok {
			return reply, nil
		}
		items, err := e.Items(ctx, id)
		if err != nil {
			return "", err
		}
		if !slices.Contains(items, item) {
			return "There were no polling processes for item " + item, nil
		}
		if err := e.RemoveItem(ctx, id, item); err != nil {
			return "", err
		}
		return "Polling cancelled for item " + item, nil

	default:
		return e.strategy.HelpMessage(), nil
	}
}

func (e *Engine) parseItem(cmd Command) (item, reply string, ok bool) {
	item, err := e.strategy.ParseItem(cmd.Args)
	if err == nil {
		return item, "", true
	}
	var ie *InvalidItemError
	if !errors.As(err, &ie) {
		ie = &InvalidItemError{Reason: err.Error()}
	}
	return "", fmt.Sprintf("%s, e.g. \"%s %s\".", ie.Reason, cmd.Name, e.strategy.ExampleItem()), false
}
