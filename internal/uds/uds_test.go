package uds

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tempvoice/internal/logging"
)

// shortSockPath stays under the 104-byte sun_path limit on macOS.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tv-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	path := shortSockPath(t, "t.sock")
	srv := NewServer(path, ServerOptions{}, logging.Discard())
	client := NewClient(path)
	client.SetTimeout(5 * time.Second)
	return srv, client, path
}

func TestFraming_RoundTrip(t *testing.T) {
	path := shortSockPath(t, "f.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req Request
		if assert.NoError(t, ReadFrame(conn, &req)) {
			assert.Equal(t, "enqueue", req.Command)
			assert.NoError(t, WriteFrame(conn, SuccessResponse(map[string]string{"id": "int_1"})))
		}
	}()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("enqueue", map[string]string{"action": "lock_channel"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	var out map[string]string
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "int_1", out["id"])
	<-done
}

func TestReadFrame_TooLarge(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = binary.Write(a, binary.BigEndian, uint32(MaxFrameSize+1))
	}()
	var v map[string]any
	err := ReadFrame(b, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

func TestServer_DispatchesHandlers(t *testing.T) {
	srv, client, _ := startServer(t)
	srv.Handle("ping", func(*Request) *Response {
		return SuccessResponse(map[string]string{"pong": "ok"})
	})
	srv.Handle("echo", func(req *Request) *Response {
		var p struct{ Msg string }
		if err := req.DecodeParams(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(p)
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	var pong map[string]string
	require.NoError(t, client.Call("ping", nil, &pong))
	assert.Equal(t, "ok", pong["pong"])

	var echo struct{ Msg string }
	require.NoError(t, client.Call("echo", map[string]string{"Msg": "hi"}, &echo))
	assert.Equal(t, "hi", echo.Msg)
}

func TestServer_UnknownCommand(t *testing.T) {
	srv, client, _ := startServer(t)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	err := client.Call("nope", nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestServer_ProtocolMismatch(t *testing.T) {
	srv, client, _ := startServer(t)
	srv.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, srv.Start())
	defer srv.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	srv, _, path := startServer(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))
	require.NoError(t, srv.Start())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_HandlerPanicDoesNotKillServer(t *testing.T) {
	srv, client, _ := startServer(t)
	srv.Handle("boom", func(*Request) *Response { panic("boom") })
	srv.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, srv.Start())
	defer srv.Stop()

	_, err := client.SendCommand("boom", nil)
	assert.Error(t, err)
	assert.NoError(t, client.Call("ping", nil, nil))
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv, client, _ := startServer(t)
	var mu sync.Mutex
	count := 0
	srv.Handle("inc", func(*Request) *Response {
		mu.Lock()
		defer mu.Unlock()
		count++
		return SuccessResponse(nil)
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Call("inc", nil, nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, count)
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(shortSockPath(t, "absent.sock"))
	client.SetTimeout(time.Second)
	_, err := client.SendCommand("ping", nil)
	require.ErrorIs(t, err, ErrDaemonNotRunning)
	assert.True(t, strings.Contains(err.Error(), "tempvoice daemon"))
}

func TestClient_RoundTripCancelled(t *testing.T) {
	srv, client, _ := startServer(t)
	release := make(chan struct{})
	srv.Handle("slow", func(*Request) *Response {
		<-release
		return SuccessResponse(nil)
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := NewRequest("slow", nil)
	require.NoError(t, err)
	_, err = client.RoundTrip(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponse_DecodeFailureWithoutDetail(t *testing.T) {
	err := (&Response{Success: false}).Decode(nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeInternal, detail.Code)
}

func TestServer_MaxConnsQueuesExcessClients(t *testing.T) {
	path := shortSockPath(t, "m.sock")
	srv := NewServer(path, ServerOptions{MaxConns: 1}, logging.Discard())
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	srv.Handle("hold", func(*Request) *Response {
		entered <- struct{}{}
		<-release
		return SuccessResponse(nil)
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client := NewClient(path)
	client.SetTimeout(5 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Call("hold", nil, nil))
		}()
	}

	<-entered
	select {
	case <-entered:
		t.Fatal("second connection served while the only slot was held")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	wg.Wait()
	assert.Len(t, entered, 1)
}

func TestNewServer_Defaults(t *testing.T) {
	srv := NewServer(shortSockPath(t, "d.sock"), ServerOptions{}, logging.Discard())
	assert.Equal(t, DefaultServerOptions(), srv.opts)
}
