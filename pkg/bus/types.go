package bus

// Message is the envelope carried over the bus. Topic is the routing key,
// Payload is the application value, ReplyTo and CorrelationID support the
// request/reply pattern.
type Message struct {
	Topic         string
	Payload       interface{}
	ReplyTo       string
	CorrelationID string
}

// Mailbox is a buffered channel a subscriber reads messages from.
type Mailbox chan Message
