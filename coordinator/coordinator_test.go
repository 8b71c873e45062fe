package coordinator

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/session"
	"github.com/cyberinferno/clustersync/transport"
)

// fakeServer accepts one connection and records what it receives. reply, if
// set, runs for every datagram.
type fakeServer struct {
	listener *transport.Listener
	got      chan clustermsg.Message
}

func startFake(t *testing.T, reply func(c *transport.Conn, m clustermsg.Message)) *fakeServer {
	t.Helper()

	l, err := transport.Listen("127.0.0.1:0", transport.DefaultConnConfig(), clustermsg.NewCodec(), logger.Nop(), nil)
	require.NoError(t, err)

	f := &fakeServer{listener: l, got: make(chan clustermsg.Message, 64)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
		_ = l.Close()
	})

	go func() {
		defer close(done)

		var conn *transport.Conn
		for conn == nil {
			if c, ok := l.PollNewConnection(); ok {
				conn = c
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
		defer conn.Close()

		for {
			m, err := conn.ReadBlocking(ctx)
			if err != nil {
				return
			}
			f.got <- m
			if reply != nil {
				reply(conn, m)
			}
		}
	}()

	return f
}

func (f *fakeServer) addr() string {
	return f.listener.Addr().String()
}

func (f *fakeServer) expect(t *testing.T, want clustermsg.Type) clustermsg.Message {
	t.Helper()

	select {
	case m := <-f.got:
		require.Equal(t, want, m.Type)
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s received", want)
		return clustermsg.Message{}
	}
}

func (f *fakeServer) expectNothing(t *testing.T) {
	t.Helper()

	select {
	case m := <-f.got:
		t.Fatalf("unexpected %s", m)
	case <-time.After(30 * time.Millisecond):
	}
}

func readyOnMovement(c *transport.Conn, m clustermsg.Message) {
	if m.Type == clustermsg.TypeCamMovement {
		_, _ = c.Send(clustermsg.SwapReady())
	}
}

func dialAll(t *testing.T, syncMode bool, servers ...*fakeServer) *Coordinator {
	t.Helper()

	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.addr()
	}

	config := DefaultConfig(addrs...)
	config.Sync = syncMode
	config.SwapTimeout = time.Second

	c, err := Dial(context.Background(), config, logger.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestDial(t *testing.T) {
	t.Run("no servers", func(t *testing.T) {
		_, err := Dial(context.Background(), DefaultConfig(), logger.Nop(), nil)
		assert.ErrorIs(t, err, ErrNoServers)
	})

	t.Run("unreachable server", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		good := startFake(t, nil)
		_, err = Dial(context.Background(), DefaultConfig(good.addr(), addr), logger.Nop(), nil)
		require.Error(t, err)

		var te *transport.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "dial", te.Op)
		assert.Equal(t, addr, te.Addr)
	})

	t.Run("state events", func(t *testing.T) {
		s := startFake(t, nil)

		var connected atomic.Int32
		config := DefaultConfig(s.addr())
		config.OnPeerState = func(e PeerStateEvent) {
			if e.State == Connected {
				connected.Add(1)
			}
		}

		c, err := Dial(context.Background(), config, logger.Nop(), nil)
		require.NoError(t, err)
		defer c.Close()

		assert.Eventually(t, func() bool { return connected.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, Connected, c.Peers()[0].State())
		assert.Equal(t, []int{0}, c.Live())
	})
}

func TestCoordinator_SendTo(t *testing.T) {
	a, b := startFake(t, nil), startFake(t, nil)
	c := dialAll(t, false, a, b)

	require.NoError(t, c.SetOffset(0, clustermsg.Pose{X: -0.03}))
	m := a.expect(t, clustermsg.TypeCamOffset)
	assert.Equal(t, float32(-0.03), m.Pose.X)
	b.expectNothing(t)

	require.NoError(t, c.SetFrustum(1, clustermsg.Frustum{FocalLength: 1.2}))
	b.expect(t, clustermsg.TypeCamFrustum)

	assert.ErrorIs(t, c.SendTo(2, clustermsg.Exit()), ErrNoSuchServer)
	assert.ErrorIs(t, c.SendTo(-1, clustermsg.Exit()), ErrNoSuchServer)
}

func TestCoordinator_Broadcast(t *testing.T) {
	a, b := startFake(t, nil), startFake(t, nil)
	c := dialAll(t, false, a, b)

	require.NoError(t, c.Command("reload scene"))
	assert.Equal(t, "reload scene", a.expect(t, clustermsg.TypeCommandString).Command)
	assert.Equal(t, "reload scene", b.expect(t, clustermsg.TypeCommandString).Command)

	require.NoError(t, c.MoveSelected(clustermsg.Pose{Z: 2}))
	a.expect(t, clustermsg.TypeSelectedMovement)
	b.expect(t, clustermsg.TypeSelectedMovement)

	require.NoError(t, c.Exit())
	a.expect(t, clustermsg.TypeExit)
	b.expect(t, clustermsg.TypeExit)

	t.Run("command too long", func(t *testing.T) {
		long := make([]byte, clustermsg.MaxCommandLength+1)
		assert.ErrorIs(t, c.Command(string(long)), clustermsg.ErrCommandTooLong)
	})

	t.Run("after close", func(t *testing.T) {
		c.Close()
		assert.ErrorIs(t, c.Exit(), ErrNoServers)
		assert.Equal(t, Closed, c.Peers()[0].State())
	})
}

func TestCoordinator_FrameAsync(t *testing.T) {
	a := startFake(t, nil)
	c := dialAll(t, false, a)

	result, err := c.Frame(context.Background(), clustermsg.Pose{X: 1, Y: 2, Z: 3})
	require.NoError(t, err)
	assert.Empty(t, result.Ready)

	m := a.expect(t, clustermsg.TypeCamMovement)
	assert.Equal(t, clustermsg.Pose{X: 1, Y: 2, Z: 3}, m.Pose)
	a.expectNothing(t)
}

func TestCoordinator_FrameSync(t *testing.T) {
	a, b := startFake(t, readyOnMovement), startFake(t, readyOnMovement)
	c := dialAll(t, true, a, b)

	for n := 0; n < 3; n++ {
		result, err := c.Frame(context.Background(), clustermsg.Pose{H: 90})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, result.Ready)
		assert.Empty(t, result.TimedOut)
		assert.Empty(t, result.Dropped)

		for _, s := range []*fakeServer{a, b} {
			s.expect(t, clustermsg.TypeCamMovement)
			s.expect(t, clustermsg.TypeSwapNow)
		}
	}
}

func TestCoordinator_FrameServerDrops(t *testing.T) {
	a := startFake(t, readyOnMovement)
	b := startFake(t, func(c *transport.Conn, m clustermsg.Message) {
		if m.Type == clustermsg.TypeCamMovement {
			_ = c.Close()
		}
	})
	c := dialAll(t, true, a, b)

	result, err := c.Frame(context.Background(), clustermsg.Pose{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, result.Ready)
	assert.Equal(t, []int{1}, result.Dropped)
	assert.Equal(t, Disconnected, c.Peers()[1].State())

	a.expect(t, clustermsg.TypeCamMovement)
	a.expect(t, clustermsg.TypeSwapNow)
	assert.Equal(t, []int{0}, c.Live())
}

func TestCoordinator_FrameTimeout(t *testing.T) {
	a := startFake(t, nil)

	config := DefaultConfig(a.addr())
	config.Sync = true
	config.SwapTimeout = 50 * time.Millisecond
	c, err := Dial(context.Background(), config, logger.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	result, err := c.Frame(context.Background(), clustermsg.Pose{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []int{0}, result.TimedOut)

	a.expect(t, clustermsg.TypeCamMovement)
	a.expect(t, clustermsg.TypeSwapNow)
}

func TestCoordinator_FrameLateReadyDoesNotReleaseNextFrame(t *testing.T) {
	var movements atomic.Int32
	a := startFake(t, func(c *transport.Conn, m clustermsg.Message) {
		if m.Type != clustermsg.TypeCamMovement {
			return
		}
		// Only the first movement is answered, after the barrier gave up.
		if movements.Add(1) == 1 {
			time.AfterFunc(100*time.Millisecond, func() { _, _ = c.Send(clustermsg.SwapReady()) })
		}
	})

	config := DefaultConfig(a.addr())
	config.Sync = true
	config.SwapTimeout = 50 * time.Millisecond
	c, err := Dial(context.Background(), config, logger.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	first, err := c.Frame(context.Background(), clustermsg.Pose{X: 1})
	require.NoError(t, err)
	assert.Empty(t, first.Ready)
	assert.Equal(t, []int{0}, first.TimedOut)

	time.Sleep(150 * time.Millisecond)

	second, err := c.Frame(context.Background(), clustermsg.Pose{X: 2})
	require.NoError(t, err)
	assert.Empty(t, second.Ready, "the first frame's answer must not count for the second")
	assert.Equal(t, []int{0}, second.TimedOut)
	assert.GreaterOrEqual(t, second.Wait, 40*time.Millisecond)
}

func TestCoordinator_FrameLateReadyThenPrompt(t *testing.T) {
	var movements atomic.Int32
	a := startFake(t, func(c *transport.Conn, m clustermsg.Message) {
		if m.Type != clustermsg.TypeCamMovement {
			return
		}
		if movements.Add(1) == 1 {
			time.AfterFunc(100*time.Millisecond, func() { _, _ = c.Send(clustermsg.SwapReady()) })
			return
		}
		_, _ = c.Send(clustermsg.SwapReady())
	})

	config := DefaultConfig(a.addr())
	config.Sync = true
	config.SwapTimeout = 50 * time.Millisecond
	c, err := Dial(context.Background(), config, logger.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Frame(context.Background(), clustermsg.Pose{X: 1})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	for i := 0; i < 3; i++ {
		result, err := c.Frame(context.Background(), clustermsg.Pose{X: float32(i)})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, result.Ready)
		assert.Empty(t, result.TimedOut)
	}
}

func TestCoordinator_FrameNoServers(t *testing.T) {
	a := startFake(t, nil)
	c := dialAll(t, true, a)
	c.Close()

	_, err := c.Frame(context.Background(), clustermsg.Pose{})
	assert.ErrorIs(t, err, ErrNoServers)
}

type countingRenderer struct {
	mu    sync.Mutex
	poses []float32
}

func (r *countingRenderer) SetLensOffset(float32)                        {}
func (r *countingRenderer) SetLensOrientation(float32, float32, float32) {}
func (r *countingRenderer) SetLensFocalLength(float32)                   {}
func (r *countingRenderer) SetLensFilmSize(float32, float32)             {}
func (r *countingRenderer) SetLensFilmOffset(float32, float32)           {}
func (r *countingRenderer) SetRigPose(x, _, _, _, _, _ float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses = append(r.poses, x)
}
func (r *countingRenderer) SetSelectedObjectPose(_, _, _, _, _, _ float32) bool { return false }
func (r *countingRenderer) SwapBuffers()                                        {}

func (r *countingRenderer) Poses() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.poses...)
}

func TestCoordinator_DrivesSessionServers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var (
		wg        sync.WaitGroup
		addrs     []string
		renderers []*countingRenderer
	)
	for n := 0; n < 2; n++ {
		l, err := transport.Listen("127.0.0.1:0", transport.DefaultConnConfig(), clustermsg.NewCodec(), logger.Nop(), nil)
		require.NoError(t, err)

		r := &countingRenderer{}
		s := session.New(session.Config{Mode: session.Synchronized, PollInterval: 2 * time.Millisecond, SwapTimeout: 2 * time.Second}, l, r, nil, logger.Nop(), nil)
		addrs = append(addrs, l.Addr().String())
		renderers = append(renderers, r)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Run(ctx, time.Millisecond)
			_ = s.Close()
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	config := DefaultConfig(addrs...)
	config.Sync = true
	c, err := Dial(context.Background(), config, logger.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		result, err := c.Frame(context.Background(), clustermsg.Pose{X: float32(i)})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, result.Ready, "frame %d", i)
	}

	for _, r := range renderers {
		assert.Eventually(t, func() bool { return len(r.Poses()) == 3 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []float32{0, 1, 2}, r.Poses())
	}
}

func TestReadySet(t *testing.T) {
	s := NewReadySet()
	assert.Equal(t, 0, s.Size())

	s.Add(2)
	s.Add(0)
	s.Add(2)
	assert.Equal(t, 2, s.Size())
	assert.True(t, s.Contains(0))
	assert.False(t, s.Contains(1))
	assert.Equal(t, []int{0, 2}, s.Members())
	assert.Equal(t, []int{1, 3}, s.Missing([]int{0, 1, 2, 3}))

	s.Reset()
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, []int{0}, s.Missing([]int{0}))
}

func TestReadySet_Concurrent(t *testing.T) {
	s := NewReadySet()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(i % 10)
			_ = s.Contains(i)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, s.Size())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}
