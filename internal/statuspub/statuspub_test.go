package statuspub

import (
	"fmt"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mirrors the teacher's publish_data_test.go pattern of a real PUB/SUB
// pair over tcp, subscribed to every topic.
func TestPublisher_PublishRoundTripsOverPubSub(t *testing.T) {
	const port = 15571

	pub, err := New(port)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := zmq.NewSocket(zmq.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", port)))
	require.NoError(t, sub.SetSubscribe(""))

	// Give the SUB socket's connect/subscribe time to land before the
	// PUB side sends; PUB sockets drop messages to not-yet-connected
	// subscribers.
	time.Sleep(100 * time.Millisecond)

	want := Snapshot{
		RunID:          "01HZY000000000000000000000",
		Bytes:          1024,
		Fragments:      4,
		Events:         2,
		DataPackets:    1,
		QueueLengths:   map[int]int{1: 3},
		QueueDataRates: map[int]int64{1: 500},
	}
	require.NoError(t, pub.Publish(want))

	require.NoError(t, sub.SetRcvtimeo(2*time.Second))
	msg, err := sub.RecvMessage(0)
	require.NoError(t, err)
	require.Len(t, msg, 2)
	assert.Equal(t, "status", msg[0])
	assert.Contains(t, msg[1], want.RunID)
	assert.Contains(t, msg[1], `"bytes":1024`)
}

func TestNew_BindFailureReturnsError(t *testing.T) {
	pub, err := New(1) // privileged port 1 refuses bind for a non-root test run
	if err == nil {
		pub.Close()
		t.Skip("bind to port 1 unexpectedly succeeded (running as root?)")
	}
	assert.Nil(t, pub)
}
