package contracts

// User lifecycle kinds
const (
	KindUserCreated = "USER_CREATED"
	KindUserUpdated = "USER_UPDATED"
	KindUserDeleted = "USER_DELETED"
)

// UserRoute broadcasts user lifecycle events to every service keeping a user read model
var UserRoute = Route{
	Queue:    "user-service-user-queue",
	Exchange: fanout("user-service-exchange"),
}

// UserEvent is one of UserCreated, UserUpdated or UserDeleted
type UserEvent interface {
	Event
	userEvent()
}

// UserCreated carries the new user record
type UserCreated struct{ Record }

// UserUpdated carries the full updated user record
type UserUpdated struct{ Record }

// UserDeleted carries the removed user record
type UserDeleted struct{ Record }

func (UserCreated) Kind() string { return KindUserCreated }
func (UserUpdated) Kind() string { return KindUserUpdated }
func (UserDeleted) Kind() string { return KindUserDeleted }

func (UserCreated) userEvent() {}
func (UserUpdated) userEvent() {}
func (UserDeleted) userEvent() {}

// DecodeUserEvent returns the typed user event in env
func DecodeUserEvent(env Envelope) (UserEvent, error) {
	var (
		event UserEvent
		err   error
	)

	switch env.Type {
	case KindUserCreated:
		var e UserCreated
		err = env.Decode(&e)
		event = e
	case KindUserUpdated:
		var e UserUpdated
		err = env.Decode(&e)
		event = e
	case KindUserDeleted:
		var e UserDeleted
		err = env.Decode(&e)
		event = e
	default:
		return nil, &UnknownKindError{Stream: "user", Kind: env.Type}
	}

	if err != nil {
		return nil, decodeFailed("user", err)
	}
	return event, nil
}
