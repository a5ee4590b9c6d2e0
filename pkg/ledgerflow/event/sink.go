package event

// MessageTypeEvent is the Type of every message forwarded to sinks.
const MessageTypeEvent = "event"

// Message is what transport sinks receive for each delivered event.
type Message struct {
	Type    string  `json:"type"`
	Channel Channel `json:"channel"`
	Payload Event   `json:"payload"`
}

// Sink is a transport endpoint (for example a websocket client) that
// receives events for the channels it is subscribed to.
type Sink interface {
	// Accepts reports whether the sink wants events on ch.
	Accepts(ch Channel) bool

	// Send delivers a message. Errors are logged by the bus and do not stop
	// delivery to other sinks or subscribers.
	Send(msg Message) error
}

// SinkFunc adapts a function to a Sink that accepts a fixed channel set.
// An empty set accepts every channel.
type SinkFunc struct {
	Channels []Channel
	Fn       func(msg Message) error
}

// Accepts implements Sink.
func (s SinkFunc) Accepts(ch Channel) bool {
	if len(s.Channels) == 0 {
		return true
	}
	for _, c := range s.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Send implements Sink.
func (s SinkFunc) Send(msg Message) error {
	return s.Fn(msg)
}

var _ Sink = SinkFunc{}
