package contracts

// Property lifecycle kinds
const (
	KindPropertyCreated = "PROPERTY_CREATED"
	KindPropertyUpdated = "PROPERTY_UPDATED"
	KindPropertyDeleted = "PROPERTY_DELETED"
)

// PropertyRoute broadcasts property lifecycle events
var PropertyRoute = Route{
	Queue:    "property-service-property-queue",
	Exchange: fanout("property-service-exchange"),
}

// PropertyEvent is one of PropertyCreated, PropertyUpdated or PropertyDeleted
type PropertyEvent interface {
	Event
	propertyEvent()
}

// PropertyCreated carries the new property record
type PropertyCreated struct{ Record }

// PropertyUpdated carries the full updated property record
type PropertyUpdated struct{ Record }

// PropertyDeleted names the soft-deleted property
type PropertyDeleted struct {
	PropertyID string `json:"propertyId"`
}

func (PropertyCreated) Kind() string { return KindPropertyCreated }
func (PropertyUpdated) Kind() string { return KindPropertyUpdated }
func (PropertyDeleted) Kind() string { return KindPropertyDeleted }

func (PropertyCreated) propertyEvent() {}
func (PropertyUpdated) propertyEvent() {}
func (PropertyDeleted) propertyEvent() {}

// DecodePropertyEvent returns the typed property event in env
func DecodePropertyEvent(env Envelope) (PropertyEvent, error) {
	var (
		event PropertyEvent
		err   error
	)

	switch env.Type {
	case KindPropertyCreated:
		var e PropertyCreated
		err = env.Decode(&e)
		event = e
	case KindPropertyUpdated:
		var e PropertyUpdated
		err = env.Decode(&e)
		event = e
	case KindPropertyDeleted:
		var e PropertyDeleted
		err = env.Decode(&e)
		event = e
	default:
		return nil, &UnknownKindError{Stream: "property", Kind: env.Type}
	}

	if err != nil {
		return nil, decodeFailed("property", err)
	}
	return event, nil
}
