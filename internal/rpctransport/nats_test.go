package rpctransport

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/threadline/syncclient/internal/types"
)

// startEmbeddedNATS boots a throwaway in-process NATS server on a random
// available port, the same shape as internal/eventbus's startTestNATS
// helper (and cmd/nats-spike's standalone proof-of-concept), scoped to a
// single test.
func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:     -1, // random available port
		StoreDir: t.TempDir(),
		NoLog:    true,
		NoSigs:   true,
	})
	require.NoError(t, err)

	go ns.Start()
	t.Cleanup(ns.Shutdown)
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded nats server did not become ready")

	return ns.ClientURL()
}

// TestAttachNATSDeliversUpdatesPayload verifies the supplementary push
// fan-in path: a server-side publish on the configured subject surfaces on
// Transport.Events() exactly like an updatesPayload frame delivered over
// the RPC connection itself (spec.md §4.3's "server-push" concern).
func TestAttachNATSDeliversUpdatesPayload(t *testing.T) {
	natsURL := startEmbeddedNATS(t)
	subject := "threadline.updates.test"

	clientConn, serverConn := net.Pipe()
	dialer := func(ctx context.Context, addr string) (net.Conn, error) { return clientConn, nil }

	type dialResult struct {
		tr  *Transport
		err error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		tr, err := Dial(context.Background(), Config{
			Addr:        "pipe",
			Token:       "tok",
			Dial:        dialer,
			NatsURL:     natsURL,
			NatsSubject: subject,
		})
		resultCh <- dialResult{tr, err}
	}()

	srv := newFakeServer(serverConn)
	init := srv.readFrame(t)
	require.Equal(t, FrameConnectionInit, init.Kind)

	res := <-resultCh
	require.NoError(t, res.err)
	tr := res.tr
	t.Cleanup(func() { tr.Close(); serverConn.Close() })

	srv.send(t, Frame{Kind: FrameConnectionOpen})
	require.NoError(t, tr.WaitOpen(context.Background()))

	pub, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer pub.Close()

	frame := Frame{Kind: FrameUpdatesPayload, Updates: []wireUpdate{
		{HasSeq: true, Seq: 42, Date: 5000, Kind: string(types.KindChatInfo), ChatID: 9},
	}}
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(subject, data))

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Opened {
				// The handshake's connectionOpen also surfaces on Events().
				continue
			}
			require.Len(t, ev.Updates, 1)
			require.Equal(t, int64(42), ev.Updates[0].Seq)
			require.Equal(t, types.KindChatInfo, ev.Updates[0].Kind)
			return
		case <-timeout:
			t.Fatal("timed out waiting for nats-delivered updates event")
		}
	}
}
