package workers

// Middleware is an ordered transform/observer applied to every message in
// one direction. Either hook may be nil. Hooks receive a copy of the message
// value; returning a modified copy replaces the message for the rest of the
// chain.
type Middleware struct {
	Incoming func(Message) (Message, error)
	Outgoing func(Message) (Message, error)
}

const (
	directionIncoming = "incoming"
	directionOutgoing = "outgoing"
)

// applyMiddleware runs the chain in order for one direction. An error aborts
// the message's processing in that direction and is wrapped with direction
// context.
func applyMiddleware(mws []Middleware, direction string, msg Message) (Message, error) {
	for _, mw := range mws {
		fn := mw.Incoming
		if direction == directionOutgoing {
			fn = mw.Outgoing
		}
		if fn == nil {
			continue
		}
		next, err := fn(msg)
		if err != nil {
			return msg, &MiddlewareError{Direction: direction, Err: err}
		}
		msg = next
	}
	return msg, nil
}
