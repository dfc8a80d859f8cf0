package eventbus

// Event is one published message. Events with the same Key are delivered in
// publish order.
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// Handler consumes an event on a partition goroutine.
type Handler func(event *Event) error

// Subscription identifies one registered handler.
type Subscription struct {
	Topic string
	id    uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

type partition struct {
	id    int
	queue chan *Event
}
