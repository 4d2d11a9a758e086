package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func TestProducer_PublishJSON(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var body map[string]string
		if err := json.Unmarshal(val, &body); err != nil {
			return err
		}
		if body["order_number"] != "000042" {
			return sarama.ErrInvalidMessage
		}
		return nil
	})

	producer := NewProducerFromSync(mockProducer)
	err := producer.PublishJSON(TopicOrderEvents, "000042", map[string]string{"order_number": "000042"}, nil)
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_SendError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewProducerFromSync(mockProducer)
	err := producer.Send(TopicOrderEvents, "000042", []byte(`{}`), map[string]string{HeaderEventType: "order.created"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishJSONMarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)

	producer := NewProducerFromSync(mockProducer)
	err := producer.PublishJSON(TopicOrderEvents, "k", make(chan int), nil)
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestNewConfig(t *testing.T) {
	config := NewConfig("")
	require.Equal(t, defaultClientID, config.ClientID)
	require.True(t, config.Producer.Idempotent)
	require.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	require.Equal(t, 1, config.Net.MaxOpenRequests)
}
