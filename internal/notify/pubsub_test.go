package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

func TestPubSubSinkPublishesJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close() //nolint:errcheck // test server

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test connection

	client, err := pubsub.NewClient(ctx, "harvest-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test client

	topic, err := client.CreateTopic(ctx, "alerts")
	require.NoError(t, err)

	sink := NewPubSubSinkWithTopic(topic)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(ctx, harvest.Message{
		Kind:  harvest.MessageSessionCrash,
		RunID: "run-1",
		Time:  at,
		Text:  "browser crashed",
	}))
	require.NoError(t, sink.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "alarm_session_crash", msgs[0].Attributes["kind"])

	var payload pubsubPayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	require.Equal(t, "run-1", payload.RunID)
	require.Equal(t, "browser crashed", payload.Text)
	require.True(t, at.Equal(payload.Time))
}

func TestNewPubSubSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPubSubSink(context.Background(), "", "topic")
	require.Error(t, err)
}
