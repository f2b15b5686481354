package contracts

import "fmt"

// Event is a typed payload that knows its envelope type
type Event interface {
	Kind() string
}

// EnvelopeOf wraps a typed event in its envelope
func EnvelopeOf(e Event) (Envelope, error) {
	return NewEnvelope(e.Kind(), e)
}

// Exchange names a fanout exchange
type Exchange struct {
	Name string
	Type string
}

// Route is where a stream's messages go. Streams with an exchange are
// broadcast to every subscriber; the rest are point-to-point queues.
type Route struct {
	Queue    string
	Exchange *Exchange
}

// IsBroadcast reports whether the route fans out through an exchange
func (r Route) IsBroadcast() bool {
	return r.Exchange != nil
}

func fanout(name string) *Exchange {
	return &Exchange{Name: name, Type: "fanout"}
}

func decodeFailed(stream string, err error) error {
	return fmt.Errorf("contracts: %s stream: %w", stream, err)
}
