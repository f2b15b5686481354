// Package contracts defines what travels on the rental marketplace bus.
//
// Every message body is an Envelope, a JSON object {"type", "data"}. Each
// stream (user, property, contract, chat, estate manager and the two
// synchronous query queues) has a Route and a sealed set of payload types.
// Decode<Stream> turns an envelope into one of them, so consumers can switch
// exhaustively over the kinds they handle:
//
//	event, err := contracts.DecodeUserEvent(env)
//	if err != nil {
//		return err
//	}
//	switch e := event.(type) {
//	case contracts.UserCreated:
//	case contracts.UserUpdated:
//	case contracts.UserDeleted:
//	}
//
// An unknown type is an *UnknownKindError, never a silent no-op.
package contracts
