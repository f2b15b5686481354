package contracts

import "time"

// Synchronous query kinds served by the contract service
const (
	KindGetContractByID    = "GET_CONTRACT_BY_ID"
	KindGetContractInRange = "GET_CONTRACT_IN_RANGE"
)

// Synchronous query kinds served by the estate manager
const (
	KindGetPropertyBySlug = "GET_PROPERTY_BY_SLUG"
	KindGetPropertyByID   = "GET_PROPERTY_BY_ID"
	KindGetPropertyDetail = "GET_PROPERTY_DETAIL"
	KindGetUserDetail     = "GET_USER_DETAIL"
)

// ContractQueryRoute is the request queue of the contract service responder
var ContractQueryRoute = Route{Queue: "sync-message-queue"}

// EstateQueryRoute is the request queue of the estate manager responder
var EstateQueryRoute = Route{Queue: "sync-message-queue-contract"}

// ContractQuery is GetContractByID or GetContractInRange
type ContractQuery interface {
	Event
	contractQuery()
}

// GetContractByID fetches a contract visible to userId
type GetContractByID struct {
	ContractID string `json:"contractId"`
	UserID     string `json:"userId"`
}

// GetContractInRange finds a contract on the property overlapping the
// requested rental period. The reply is the contract or null.
type GetContractInRange struct {
	PropertyID      string    `json:"propertyId"`
	RentalStartDate time.Time `json:"rentalStartDate"`
	RentalEndDate   time.Time `json:"rentalEndDate"`
}

func (GetContractByID) Kind() string    { return KindGetContractByID }
func (GetContractInRange) Kind() string { return KindGetContractInRange }

func (GetContractByID) contractQuery()    {}
func (GetContractInRange) contractQuery() {}

// DecodeContractQuery returns the typed contract query in env
func DecodeContractQuery(env Envelope) (ContractQuery, error) {
	var (
		query ContractQuery
		err   error
	)

	switch env.Type {
	case KindGetContractByID:
		var q GetContractByID
		err = env.Decode(&q)
		query = q
	case KindGetContractInRange:
		var q GetContractInRange
		err = env.Decode(&q)
		query = q
	default:
		return nil, &UnknownKindError{Stream: "contract query", Kind: env.Type}
	}

	if err != nil {
		return nil, decodeFailed("contract query", err)
	}
	return query, nil
}

// EstateQuery is one of the estate manager lookups. Each payload is a bare
// JSON string: a slug, a property id or a user id.
type EstateQuery interface {
	Event
	estateQuery()
}

type (
	GetPropertyBySlug string
	GetPropertyByID   string
	GetPropertyDetail string
	GetUserDetail     string
)

func (GetPropertyBySlug) Kind() string { return KindGetPropertyBySlug }
func (GetPropertyByID) Kind() string   { return KindGetPropertyByID }
func (GetPropertyDetail) Kind() string { return KindGetPropertyDetail }
func (GetUserDetail) Kind() string     { return KindGetUserDetail }

func (GetPropertyBySlug) estateQuery() {}
func (GetPropertyByID) estateQuery()   {}
func (GetPropertyDetail) estateQuery() {}
func (GetUserDetail) estateQuery()     {}

// DecodeEstateQuery returns the typed estate query in env
func DecodeEstateQuery(env Envelope) (EstateQuery, error) {
	var (
		query EstateQuery
		err   error
	)

	switch env.Type {
	case KindGetPropertyBySlug:
		var q GetPropertyBySlug
		err = env.Decode(&q)
		query = q
	case KindGetPropertyByID:
		var q GetPropertyByID
		err = env.Decode(&q)
		query = q
	case KindGetPropertyDetail:
		var q GetPropertyDetail
		err = env.Decode(&q)
		query = q
	case KindGetUserDetail:
		var q GetUserDetail
		err = env.Decode(&q)
		query = q
	default:
		return nil, &UnknownKindError{Stream: "estate query", Kind: env.Type}
	}

	if err != nil {
		return nil, decodeFailed("estate query", err)
	}
	return query, nil
}
