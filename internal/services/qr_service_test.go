package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestQRService_GenerateReceiveCode(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	t.Run("generates a single-use code and image", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		service := NewQRService(db, client)

		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs("1111111111").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		redisMock.Regexp().ExpectSet(`receive_qr:.*`, `.*`, 5*time.Minute).SetVal("OK")

		code, qrImage, err := service.GenerateReceiveCode(context.Background(), "1111111111", 1000_00)
		assert.NoError(t, err)
		assert.NotEmpty(t, qrImage)

		decoded, err := base64.URLEncoding.DecodeString(code)
		assert.NoError(t, err)

		var payload map[string]any
		assert.NoError(t, json.Unmarshal(decoded, &payload))
		assert.Equal(t, "1111111111", payload["accountNumber"])
		assert.Equal(t, float64(1000_00), payload["amount"])
		assert.NotEmpty(t, payload["nonce"])

		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		client, _ := redismock.NewClientMock()
		service := NewQRService(db, client)

		dbMock.ExpectQuery("SELECT EXISTS").
			WithArgs("9999999999").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, _, err := service.GenerateReceiveCode(context.Background(), "9999999999", 0)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestQRService_ResolveReceiveCode(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	t.Run("resolves then deletes the code", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		service := NewQRService(db, client)

		payload := `{"accountNumber":"1111111111","amount":100000}`
		redisMock.ExpectGet("receive_qr:some-code").SetVal(payload)
		redisMock.ExpectDel("receive_qr:some-code").SetVal(1)

		result, err := service.ResolveReceiveCode(context.Background(), "some-code")
		assert.NoError(t, err)
		assert.Equal(t, "1111111111", result["accountNumber"])
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("expired code", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		service := NewQRService(db, client)

		redisMock.ExpectGet("receive_qr:gone").RedisNil()

		_, err := service.ResolveReceiveCode(context.Background(), "gone")
		assert.Error(t, err)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}
