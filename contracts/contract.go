package contracts

const (
	KindNotificationCreated = "NOTIFICATION_CREATED"
	KindUpdateStatus        = "UPDATE_STATUS"
)

// ContractRoute carries contract-service events: notifications for users and
// property status changes driven by contract state
var ContractRoute = Route{
	Queue:    "contract-service-contract-queue",
	Exchange: fanout("contract-service-exchange"),
}

// ContractEvent is NotificationCreated or UpdateStatus
type ContractEvent interface {
	Event
	contractEvent()
}

// NotificationCreated carries a notification record to deliver to a user
type NotificationCreated struct{ Record }

// UpdateStatus asks the owner of a property to change its rental status
type UpdateStatus struct {
	PropertyID string `json:"propertyId"`
	Status     string `json:"status"`
}

func (NotificationCreated) Kind() string { return KindNotificationCreated }
func (UpdateStatus) Kind() string        { return KindUpdateStatus }

func (NotificationCreated) contractEvent() {}
func (UpdateStatus) contractEvent()        {}

// DecodeContractEvent returns the typed contract event in env
func DecodeContractEvent(env Envelope) (ContractEvent, error) {
	var (
		event ContractEvent
		err   error
	)

	switch env.Type {
	case KindNotificationCreated:
		var e NotificationCreated
		err = env.Decode(&e)
		event = e
	case KindUpdateStatus:
		var e UpdateStatus
		err = env.Decode(&e)
		event = e
	default:
		return nil, &UnknownKindError{Stream: "contract", Kind: env.Type}
	}

	if err != nil {
		return nil, decodeFailed("contract", err)
	}
	return event, nil
}
