package domain

// MessageBus routes observed messages from channels to the relay.
type MessageBus interface {
	Publish(msg InboundMessage) bool
	Subscribe() <-chan InboundMessage
	Close()
}
