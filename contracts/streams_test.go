package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, body string) Envelope {
	t.Helper()
	env, err := ParseEnvelope([]byte(body))
	require.NoError(t, err)
	return env
}

func TestDecodeUserEvent(t *testing.T) {
	t.Run("decodes each lifecycle kind", func(t *testing.T) {
		for _, kind := range []string{KindUserCreated, KindUserUpdated, KindUserDeleted} {
			event, err := DecodeUserEvent(parse(t, `{"type":"`+kind+`","data":{"id":"u-1"}}`))
			require.NoError(t, err)
			assert.Equal(t, kind, event.Kind())
		}
	})

	t.Run("created event keeps the record", func(t *testing.T) {
		event, err := DecodeUserEvent(parse(t, `{"type":"USER_CREATED","data":{"id":"u-7"}}`))
		require.NoError(t, err)

		created, ok := event.(UserCreated)
		require.True(t, ok)
		assert.JSONEq(t, `{"id":"u-7"}`, string(created.Record))
	})

	t.Run("unknown kind is reported", func(t *testing.T) {
		_, err := DecodeUserEvent(parse(t, `{"type":"USER_BANNED","data":{}}`))

		var unknown *UnknownKindError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "user", unknown.Stream)
		assert.Equal(t, "USER_BANNED", unknown.Kind)
		assert.Equal(t, `contracts: unknown user message type "USER_BANNED"`, err.Error())
	})
}

func TestDecodePropertyEvent(t *testing.T) {
	t.Run("deleted carries only the id", func(t *testing.T) {
		event, err := DecodePropertyEvent(parse(t, `{"type":"PROPERTY_DELETED","data":{"propertyId":"p-3"}}`))
		require.NoError(t, err)
		assert.Equal(t, PropertyDeleted{PropertyID: "p-3"}, event)
	})

	t.Run("malformed payload names the stream", func(t *testing.T) {
		_, err := DecodePropertyEvent(parse(t, `{"type":"PROPERTY_DELETED","data":[1]}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "contracts: property stream")

		var unknown *UnknownKindError
		assert.False(t, errors.As(err, &unknown))
	})

	t.Run("user kinds are foreign to the property stream", func(t *testing.T) {
		_, err := DecodePropertyEvent(parse(t, `{"type":"USER_CREATED","data":{}}`))
		var unknown *UnknownKindError
		assert.ErrorAs(t, err, &unknown)
	})
}

func TestDecodeContractEvent(t *testing.T) {
	event, err := DecodeContractEvent(parse(t, `{"type":"UPDATE_STATUS","data":{"propertyId":"p-1","status":"RENTED"}}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateStatus{PropertyID: "p-1", Status: "RENTED"}, event)

	event, err = DecodeContractEvent(parse(t, `{"type":"NOTIFICATION_CREATED","data":{"id":"n-1"}}`))
	require.NoError(t, err)
	assert.IsType(t, NotificationCreated{}, event)
}

func TestDecodeChatCommand(t *testing.T) {
	t.Run("create chat", func(t *testing.T) {
		body := `{"type":"CREATE_CHAT","data":{
			"chatId":"c-1","conversationId":"conv-1",
			"sender":{"userId":"u-1","name":"Ann"},
			"receiver":{"userId":"u-2"},
			"message":"hello","medias":[{"url":"a.png"}],
			"createdAt":"2024-05-01T10:00:00Z"}}`

		cmd, err := DecodeChatCommand(parse(t, body))
		require.NoError(t, err)

		chat, ok := cmd.(CreateChat)
		require.True(t, ok)
		assert.Equal(t, "conv-1", chat.ConversationID)
		assert.Equal(t, "Ann", chat.Sender.Name)
		assert.Equal(t, "u-2", chat.Receiver.UserID)
		assert.Len(t, chat.Medias, 1)
		assert.True(t, chat.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("read and block", func(t *testing.T) {
		cmd, err := DecodeChatCommand(parse(t, `{"type":"READ_CHAT","data":{"conversationId":"conv-1","userId":"u-2"}}`))
		require.NoError(t, err)
		assert.Equal(t, ReadChat{ConversationID: "conv-1", UserID: "u-2"}, cmd)

		cmd, err = DecodeChatCommand(parse(t, `{"type":"BLOCK_USER","data":{"conversationId":"conv-1","blocker":"u-1"}}`))
		require.NoError(t, err)
		assert.Equal(t, BlockUser{ConversationID: "conv-1", Blocker: "u-1"}, cmd)
	})
}

func TestDecodeEstateManagerTask(t *testing.T) {
	task, err := DecodeEstateManagerTask(parse(t, `{"type":"CREATE_NOTIFICATION","data":{"id":"n-2"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindCreateNotification, task.Kind())

	_, err = DecodeEstateManagerTask(parse(t, `{"type":"CREATE_CHAT","data":{}}`))
	var unknown *UnknownKindError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "estate-manager", unknown.Stream)
}

func TestDecodeQueries(t *testing.T) {
	t.Run("contract range query parses dates", func(t *testing.T) {
		body := `{"type":"GET_CONTRACT_IN_RANGE","data":{"propertyId":"p-1",
			"rentalStartDate":"2024-06-01T00:00:00Z","rentalEndDate":"2024-07-01T00:00:00Z"}}`

		query, err := DecodeContractQuery(parse(t, body))
		require.NoError(t, err)

		q, ok := query.(GetContractInRange)
		require.True(t, ok)
		assert.Equal(t, "p-1", q.PropertyID)
		assert.True(t, q.RentalEndDate.After(q.RentalStartDate))
	})

	t.Run("contract by id", func(t *testing.T) {
		query, err := DecodeContractQuery(parse(t, `{"type":"GET_CONTRACT_BY_ID","data":{"contractId":"k-1","userId":"u-1"}}`))
		require.NoError(t, err)
		assert.Equal(t, GetContractByID{ContractID: "k-1", UserID: "u-1"}, query)
	})

	t.Run("estate queries carry a bare string", func(t *testing.T) {
		cases := map[string]EstateQuery{
			KindGetPropertyBySlug: GetPropertyBySlug("sunny-flat"),
			KindGetPropertyByID:   GetPropertyByID("sunny-flat"),
			KindGetPropertyDetail: GetPropertyDetail("sunny-flat"),
			KindGetUserDetail:     GetUserDetail("sunny-flat"),
		}
		for kind, want := range cases {
			query, err := DecodeEstateQuery(parse(t, `{"type":"`+kind+`","data":"sunny-flat"}`))
			require.NoError(t, err, kind)
			assert.Equal(t, want, query)
		}
	})

	t.Run("estate query round trips through its envelope", func(t *testing.T) {
		env, err := EnvelopeOf(GetUserDetail("u-5"))
		require.NoError(t, err)
		assert.JSONEq(t, `"u-5"`, string(env.Data))

		query, err := DecodeEstateQuery(env)
		require.NoError(t, err)
		assert.Equal(t, GetUserDetail("u-5"), query)
	})

	t.Run("queries are routed per service", func(t *testing.T) {
		_, err := DecodeEstateQuery(parse(t, `{"type":"GET_CONTRACT_BY_ID","data":{}}`))
		var unknown *UnknownKindError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "estate query", unknown.Stream)
	})
}
