package rpctransport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/syncclient/internal/types"
)

// fakeServer drives the server side of an in-memory net.Pipe connection,
// letting tests script connectionOpen, rpcResult/rpcError replies, and
// unsolicited updatesPayload pushes without a real listener.
type fakeServer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{conn: conn, reader: bufio.NewReader(conn)}
}

func (s *fakeServer) readFrame(t *testing.T) Frame {
	t.Helper()
	line, err := s.reader.ReadBytes('\n')
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(line, &f))
	return f
}

func (s *fakeServer) send(t *testing.T, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = s.conn.Write(data)
	require.NoError(t, err)
}

func dialPipe(t *testing.T) (*Transport, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	srv := newFakeServer(serverConn)

	dialer := func(ctx context.Context, addr string) (net.Conn, error) { return clientConn, nil }

	// net.Pipe is unbuffered and fully synchronous: Dial's connectionInit
	// write blocks until something reads it, so dial on a goroutine while
	// the test reads concurrently.
	type dialResult struct {
		tr  *Transport
		err error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		tr, err := Dial(context.Background(), Config{Addr: "pipe", Token: "tok", Dial: dialer})
		resultCh <- dialResult{tr, err}
	}()

	init := srv.readFrame(t)
	require.Equal(t, FrameConnectionInit, init.Kind)
	require.Equal(t, "tok", init.Token)

	res := <-resultCh
	require.NoError(t, res.err)
	tr := res.tr
	t.Cleanup(func() { tr.Close(); serverConn.Close() })

	srv.send(t, Frame{Kind: FrameConnectionOpen})
	return tr, srv
}

func TestDialPerformsConnectionInitAndObservesConnectionOpen(t *testing.T) {
	tr, _ := dialPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitOpen(ctx))
}

func TestCallRpcCorrelatesReplyByRequestID(t *testing.T) {
	tr, srv := dialPipe(t)

	go func() {
		call := srv.readFrame(t)
		require.Equal(t, FrameRpcCall, call.Kind)
		require.Equal(t, "getMe", call.Method)
		result, _ := json.Marshal(map[string]int64{"userId": 42})
		srv.send(t, Frame{Kind: FrameRpcResult, ReqMsgID: call.ID, Result: result})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out struct {
		UserID int64 `json:"userId"`
	}
	require.NoError(t, tr.CallRpc(ctx, "getMe", map[string]string{}, &out))
	assert.Equal(t, int64(42), out.UserID)
}

func TestCallRpcSurfacesRpcError(t *testing.T) {
	tr, srv := dialPipe(t)

	go func() {
		call := srv.readFrame(t)
		srv.send(t, Frame{Kind: FrameRpcError, ReqMsgID: call.ID, ErrorCode: "NOT_FOUND", Message: "no such chat"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := tr.CallRpc(ctx, "getChat", map[string]string{}, nil)
	require.Error(t, err)
	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "NOT_FOUND", rpcErr.Code)
}

func TestConcurrentCallsDoNotCrossWires(t *testing.T) {
	tr, srv := dialPipe(t)

	go func() {
		for i := 0; i < 2; i++ {
			call := srv.readFrame(t)
			result, _ := json.Marshal(map[string]string{"echo": call.Method})
			// Reply from separate goroutines so reply order is not tied
			// to call order, proving correlation isn't positional.
			go srv.send(t, Frame{Kind: FrameRpcResult, ReqMsgID: call.ID, Result: result})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		Echo string `json:"echo"`
	}
	errs := make(chan error, 2)
	outs := make(chan result, 2)
	for _, method := range []string{"methodA", "methodB"} {
		method := method
		go func() {
			var out result
			err := tr.CallRpc(ctx, method, map[string]string{}, &out)
			errs <- err
			outs <- out
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		out := <-outs
		seen[out.Echo] = true
	}
	assert.True(t, seen["methodA"])
	assert.True(t, seen["methodB"])
}

func TestUpdatesPayloadFrameDeliveredOnEvents(t *testing.T) {
	tr, srv := dialPipe(t)

	srv.send(t, Frame{Kind: FrameUpdatesPayload, Updates: []wireUpdate{
		{HasSeq: true, Seq: 1, Date: 1000, Kind: string(types.KindChatInfo), ChatID: 7},
	}})

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Opened {
				// The handshake's connectionOpen also surfaces on Events().
				continue
			}
			require.Len(t, ev.Updates, 1)
			assert.Equal(t, types.KindChatInfo, ev.Updates[0].Kind)
			return
		case <-timeout:
			t.Fatal("timed out waiting for updates event")
		}
	}
}

func TestCallRpcRespectsContextCancellation(t *testing.T) {
	tr, srv := dialPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	go srv.readFrame(t) // drain the call so the write doesn't block forever; server never replies

	err := tr.CallRpc(ctx, "slowMethod", map[string]string{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetUpdatesTranslatesWireResult(t *testing.T) {
	tr, srv := dialPipe(t)

	go func() {
		call := srv.readFrame(t)
		require.Equal(t, "getUpdates", call.Method)
		sliceEnd := int64(50)
		out := getUpdatesOutput{
			Updates: []wireUpdate{
				{HasSeq: true, Seq: 10, Date: 2000, Kind: string(types.KindNewMessage), ChatID: 7},
			},
			Seq:         10,
			Date:        2000,
			Final:       false,
			ResultType:  "slice",
			SliceEndSeq: &sliceEnd,
		}
		result, _ := json.Marshal(out)
		srv.send(t, Frame{Kind: FrameRpcResult, ReqMsgID: call.ID, Result: result})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := tr.GetUpdates(ctx, types.ChatBucket(types.ChatPeer(7)), 0, nil, 1000)
	require.NoError(t, err)
	assert.Len(t, res.Updates, 1)
	assert.Equal(t, int64(50), *res.SliceEndSeq)
	require.NotNil(t, res.SliceEndSeq)
}
