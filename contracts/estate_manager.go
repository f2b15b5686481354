package contracts

const KindCreateNotification = "CREATE_NOTIFICATION"

// EstateManagerRoute is the estate manager's own queue for work it defers
// out of the request path
var EstateManagerRoute = Route{Queue: "estate-manager-internal-queue"}

// EstateManagerTask is the sealed set of internal estate manager work
type EstateManagerTask interface {
	Event
	estateManagerTask()
}

// CreateNotification fans a freshly stored notification out to connected sockets
type CreateNotification struct{ Record }

func (CreateNotification) Kind() string { return KindCreateNotification }

func (CreateNotification) estateManagerTask() {}

// DecodeEstateManagerTask returns the typed task in env
func DecodeEstateManagerTask(env Envelope) (EstateManagerTask, error) {
	switch env.Type {
	case KindCreateNotification:
		var t CreateNotification
		if err := env.Decode(&t); err != nil {
			return nil, decodeFailed("estate-manager", err)
		}
		return t, nil
	default:
		return nil, &UnknownKindError{Stream: "estate-manager", Kind: env.Type}
	}
}
