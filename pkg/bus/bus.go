// Package bus decouples chat channels from the agent core.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MessageBus routes inbound messages to the agent loop and fans
// outbound messages out to per-channel subscribers.
type MessageBus struct {
	log      zerolog.Logger
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	subscribersMu sync.RWMutex
	subscribers   map[string][]func(OutboundMessage)

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMessageBus(log zerolog.Logger) *MessageBus {
	return &MessageBus{
		log:         log.With().Str("component", "bus").Logger(),
		inbound:     make(chan InboundMessage, 100),
		outbound:    make(chan OutboundMessage, 100),
		subscribers: make(map[string][]func(OutboundMessage)),
		stop:        make(chan struct{}),
	}
}

// PublishInbound hands a message from a channel to the agent.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// PublishSystemEvent injects an internal event into the agent loop.
// origin, when non-empty, names the session the event belongs to as
// "channel:chatId".
func (b *MessageBus) PublishSystemEvent(sender, origin, content string) {
	b.PublishInbound(InboundMessage{
		Channel:  SystemChannel,
		SenderID: sender,
		ChatID:   origin,
		Content:  content,
	})
}

// ConsumeInbound is read by the agent loop.
func (b *MessageBus) ConsumeInbound() <-chan InboundMessage {
	return b.inbound
}

// PublishOutbound hands an agent response to the channel dispatcher.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound registers a callback for one channel's outbound
// traffic.
func (b *MessageBus) SubscribeOutbound(channel string, callback func(OutboundMessage)) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], callback)
}

// DispatchOutbound fans outbound messages out to subscribers. Run in
// a goroutine; returns when Stop is called.
func (b *MessageBus) DispatchOutbound() {
	for {
		select {
		case msg := <-b.outbound:
			b.subscribersMu.RLock()
			subs := b.subscribers[msg.Channel]
			b.subscribersMu.RUnlock()

			if len(subs) == 0 {
				b.log.Warn().Str("channel", msg.Channel).Msg("outbound message has no subscriber")
				continue
			}
			for _, cb := range subs {
				go func(callback func(OutboundMessage), message OutboundMessage) {
					defer func() {
						if r := recover(); r != nil {
							b.log.Error().Interface("panic", r).Str("channel", message.Channel).
								Msg("outbound subscriber panicked")
						}
					}()
					callback(message)
				}(cb, msg)
			}
		case <-b.stop:
			return
		}
	}
}

// Stop shuts the dispatcher down. Safe to call more than once.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}
