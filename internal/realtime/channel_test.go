package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/italolelis/gamecloud_sync/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushServer accepts websocket connections carrying ?token=tok and hands
// each one to serve. serve runs on the handler goroutine.
type pushServer struct {
	*httptest.Server

	accepted atomic.Int32
	attempts atomic.Int32
}

func newPushServer(t *testing.T, serve func(ctx context.Context, n int32, conn *websocket.Conn)) *pushServer {
	t.Helper()

	ps := &pushServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.attempts.Add(1)

		token := r.URL.Query().Get("token")
		if token != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		n := ps.accepted.Add(1)
		serve(r.Context(), n, conn)
	}))
	t.Cleanup(ps.Close)

	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.URL, "http") + "/api/v1/ws"
}

// drain keeps reading until the client goes away so close frames are
// answered.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func newTestChannel(t *testing.T, url string, tokens auth.TokenProvider) *Channel {
	t.Helper()

	ch := New(url, tokens, WithReconnectDelay(20*time.Millisecond), WithDialTimeout(2*time.Second))
	t.Cleanup(ch.Disconnect)

	return ch
}

func TestChannel_ConnectAndReceiveProgress(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		frames := []string{
			`{"type":"download_progress","data":{"id":"d1","progress":42,"status":"downloading","updated_at":"T2"}}`,
			`{"type":"library_updated","data":{"id":"g1"}}`,
			`not json`,
			`{"type":"download_progress","data":{"progress":5}}`,
			`{"type":"download_progress","data":{"id":"d1","progress":43,"updated_at":"T3"}}`,
			`{"type":"download_progress","data":{"id":"d2","progress":1}}`,
		}

		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}

		drain(ctx, conn)
	})

	ch := newTestChannel(t, ps.wsURL(), auth.Static("tok"))

	require.NoError(t, ch.Connect(context.Background()))
	assert.True(t, ch.IsConnected())

	require.Eventually(t, func() bool {
		_, ok := ch.Update("d2")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	updates := ch.ProgressUpdates()
	assert.Len(t, updates, 2)

	d1, ok := ch.Update("d1")
	require.True(t, ok)
	require.NotNil(t, d1.Progress)
	assert.InDelta(t, 43.0, *d1.Progress, 0)
	assert.Equal(t, "T3", d1.UpdatedAt)
	// last arrival wins as a whole: the later event carried no status
	assert.Nil(t, d1.Status)

	status := ch.Snapshot()
	assert.Equal(t, StateConnected, status.State)
	assert.True(t, status.Connected)
	assert.Empty(t, status.LastError)
}

func TestChannel_ReconnectsAfterAbnormalClose(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, n int32, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.Close(websocket.StatusInternalError, "server restarting")

			return
		}

		drain(ctx, conn)
	})

	ch := newTestChannel(t, ps.wsURL(), auth.Static("tok"))

	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return ps.accepted.Load() == 2 && ch.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_NormalCloseDoesNotReconnect(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ch := newTestChannel(t, ps.wsURL(), auth.Static("tok"))

	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return ch.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), ps.accepted.Load())
	assert.Empty(t, ch.LastError())
}

func TestChannel_DisconnectSuppressesReconnect(t *testing.T) {
	closed := make(chan websocket.StatusCode, 1)

	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"download_progress","data":{"id":"d1","progress":10}}`))

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				closed <- websocket.CloseStatus(err)

				return
			}
		}
	})

	ch := newTestChannel(t, ps.wsURL(), auth.Static("tok"))

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := ch.Update("d1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	ch.Disconnect()

	select {
	case code := <-closed:
		assert.Equal(t, websocket.StatusNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close")
	}

	status := ch.Snapshot()
	assert.Equal(t, StateDisconnected, status.State)
	assert.False(t, status.Connected)
	assert.Empty(t, status.Updates)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ps.accepted.Load())
}

func TestChannel_TokenFailureDoesNotRetry(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		drain(ctx, conn)
	})

	tokens := auth.Func(func(context.Context) (string, error) {
		return "", auth.ErrNoToken
	})

	ch := newTestChannel(t, ps.wsURL(), tokens)

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, auth.ErrNoToken)

	assert.Equal(t, StateDisconnected, ch.State())
	assert.Contains(t, ch.LastError(), "failed to get auth token")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), ps.attempts.Load())
}

func TestChannel_DialFailureRetries(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		drain(ctx, conn)
	})

	ch := newTestChannel(t, ps.wsURL(), auth.Static("wrong"))

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, ch.LastError(), "failed to connect")

	require.Eventually(t, func() bool {
		return ps.attempts.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	ch.Disconnect()
	time.Sleep(50 * time.Millisecond)

	attempts := ps.attempts.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, attempts, ps.attempts.Load())
	assert.Equal(t, int32(0), ps.accepted.Load())

	assert.Equal(t, StateDisconnected, ch.State())
	assert.Contains(t, ch.LastError(), "failed to connect")
}

// rotatingTokens hands out a stale token until Reset is called.
type rotatingTokens struct {
	resets atomic.Int32
}

func (r *rotatingTokens) Token(context.Context) (string, error) {
	if r.resets.Load() == 0 {
		return "stale", nil
	}

	return "tok", nil
}

func (r *rotatingTokens) Reset() {
	r.resets.Add(1)
}

func TestChannel_UnauthorizedDialResetsToken(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		drain(ctx, conn)
	})

	tokens := &rotatingTokens{}
	ch := newTestChannel(t, ps.wsURL(), tokens)

	require.Error(t, ch.Connect(context.Background()))
	assert.Equal(t, int32(1), tokens.resets.Load())

	require.Eventually(t, ch.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ps.accepted.Load())
}

func TestChannel_ConnectReplacesExistingSocket(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		drain(ctx, conn)
	})

	ch := newTestChannel(t, ps.wsURL(), auth.Static("tok"))

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Connect(context.Background()))

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(2), ps.accepted.Load())
	assert.True(t, ch.IsConnected())
}

func TestChannel_StaleGenerationIsIgnored(t *testing.T) {
	ch := New("ws://localhost/api/v1/ws", auth.Static("tok"))

	ch.mu.Lock()
	ch.generation = 5
	ch.state = StateConnected
	ch.wanted = true
	ch.mu.Unlock()

	ch.handleMessage(context.Background(), 4, []byte(`{"type":"download_progress","data":{"id":"d1","progress":1}}`))
	ch.handleClose(context.Background(), nil, 4, errors.New("read failed"))

	status := ch.Snapshot()
	assert.Equal(t, StateConnected, status.State)
	assert.Empty(t, status.Updates)
	assert.Empty(t, status.LastError)
}

func TestChannel_AcceptsFractionalRates(t *testing.T) {
	ch := New("ws://localhost/api/v1/ws", auth.Static("tok"))

	ch.mu.Lock()
	ch.generation = 1
	ch.state = StateConnected
	ch.wanted = true
	ch.mu.Unlock()

	ch.handleMessage(context.Background(), 1, []byte(`{"type":"download_progress","data":{"id":"d1","info_hash":"abc","name":"Game One","size":2000,"downloaded":840,"download_rate":1536.75,"upload_rate":0.5,"progress":42,"status":"downloading","eta":12,"peers":7,"seeds":3,"updated_at":"2026-10-15T12:30:45Z"}}`))

	ev, ok := ch.Update("d1")
	require.True(t, ok)
	require.NotNil(t, ev.DownloadRate)
	assert.InDelta(t, 1536.75, *ev.DownloadRate, 0)
	require.NotNil(t, ev.Progress)
	assert.InDelta(t, 42.0, *ev.Progress, 0)
	assert.Equal(t, "2026-10-15T12:30:45Z", ev.UpdatedAt)
}

func TestChannel_SubscribeSeesStateChanges(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		drain(ctx, conn)
	})

	ch := newTestChannel(t, ps.wsURL(), auth.Static("tok"))

	var (
		mu     sync.Mutex
		states []State
	)

	unsubscribe := ch.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()

		states = append(states, s.State)
	})
	defer unsubscribe()

	require.NoError(t, ch.Connect(context.Background()))
	ch.Disconnect()

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestWithToken(t *testing.T) {
	got, err := withToken("ws://localhost:8080/api/v1/ws", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/v1/ws?token=a+b", got)
}
