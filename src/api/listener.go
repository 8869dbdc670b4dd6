package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/nhirsama/Goster-GPS/src/config"
	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/logger"
	"github.com/nhirsama/Goster-GPS/src/metrics"
	"github.com/nhirsama/Goster-GPS/src/protocol"
	"github.com/rs/zerolog"
)

// Options 监听器参数
type Options struct {
	Address           string
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	KeepAlivePeriod   time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	ReadBuffer        int
	Decoders          []inter.Decoder
	Clock             func() time.Time
}

// OptionsFromConfig 由 tcp 配置段生成参数
func OptionsFromConfig(cfg config.TCPConfig) Options {
	return Options{
		Address:           cfg.Address,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		KeepAlivePeriod:   cfg.KeepAlivePeriod,
		StaleAfter:        cfg.StaleAfter,
		SweepInterval:     cfg.SweepInterval,
		ReadBuffer:        cfg.ReadBuffer,
	}
}

// Listener 实现 inter.Api
// 每个连接一个 goroutine，连接表以 (地址, 端口) 为键
type Listener struct {
	opts     Options
	registry inter.DeviceRegistry
	split    bufio.SplitFunc
	now      func() time.Time
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[netip.AddrPort]*connection

	addrOnce sync.Once
	addr     net.Addr
	ready    chan struct{}
}

func NewListener(registry inter.DeviceRegistry, opts Options) *Listener {
	if opts.Decoders == nil {
		opts.Decoders = protocol.Decoders()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 1024
	}
	return &Listener{
		opts:     opts,
		registry: registry,
		split:    protocol.Split(opts.Decoders),
		now:      opts.Clock,
		log:      logger.WithComponent("api"),
		conns:    make(map[netip.AddrPort]*connection),
		ready:    make(chan struct{}),
	}
}

// Start 监听配置的地址并处理连接 (阻塞调用)
func (l *Listener) Start(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: l.opts.KeepAlivePeriod}
	ln, err := lc.Listen(ctx, "tcp", l.opts.Address)
	if err != nil {
		return fmt.Errorf("设备端口 %s 监听失败: %w", l.opts.Address, err)
	}
	return l.Serve(ctx, ln)
}

// Serve 在已有的 net.Listener 上接受连接
// ctx 取消后关闭监听与全部连接，等待所有连接 goroutine 退出后返回
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.addrOnce.Do(func() {
		l.addr = ln.Addr()
		close(l.ready)
	})
	l.log.Info().Str("addr", ln.Addr().String()).Msg("设备接入服务已启动")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go l.sweepLoop(ctx)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.log.Warn().Err(err).Msg("接受连接失败")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := newConnection(conn, l.now())
		l.mu.Lock()
		l.conns[c.remote] = c
		l.mu.Unlock()
		metrics.ConnectionsActive.Inc()

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(c)
		}()
	}

	l.mu.Lock()
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()
	wg.Wait()
	l.log.Info().Msg("设备接入服务已停止")
	return nil
}

// Addr 返回实际监听的地址，Serve 开始前阻塞
func (l *Listener) Addr() net.Addr {
	<-l.ready
	return l.addr
}

func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// handle 连接读循环：切帧 -> 识别设备 -> 交给会话处理
func (l *Listener) handle(c *connection) {
	log := l.log.With().Str("remote", c.remote.String()).Logger()
	log.Debug().Msg("新连接")

	go l.heartbeatLoop(c)
	defer l.teardown(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, l.opts.ReadBuffer), max(l.opts.ReadBuffer, 2*protocol.MaxFrameSize))
	scanner.Split(l.split)

	for {
		if l.opts.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(l.opts.IdleTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !isClosedErr(err) {
				log.Warn().Err(err).Msg("连接读取失败")
			}
			return
		}
		c.touch(l.now())

		frame := bytes.Clone(scanner.Bytes())
		sess, ok := l.registry.Identify(frame, c, c.remote)
		if !ok {
			continue
		}
		if err := sess.HandleFrame(frame); err != nil {
			log.Debug().Err(err).Str("device", sess.Identity()).Msg("帧处理失败")
		}
	}
}

// teardown 同步停止心跳并从连接表移除，然后通知注册表
func (l *Listener) teardown(c *connection) {
	close(c.stopHeartbeat)
	<-c.heartbeatDone

	l.mu.Lock()
	if l.conns[c.remote] == c {
		delete(l.conns, c.remote)
	}
	l.mu.Unlock()

	_ = c.Close()
	metrics.ConnectionsActive.Dec()
	l.registry.Disconnect(c.remote)
	l.log.Debug().Str("remote", c.remote.String()).Msg("连接已关闭")
}

// heartbeatLoop 定时向连接写入当前绑定解码器的心跳应答
func (l *Listener) heartbeatLoop(c *connection) {
	defer close(c.heartbeatDone)
	if l.opts.HeartbeatInterval <= 0 {
		<-c.stopHeartbeat
		return
	}
	ticker := time.NewTicker(l.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			sess, ok := l.registry.Lookup(c.remote)
			if !ok {
				continue
			}
			d := sess.Decoder()
			if d == nil {
				continue
			}
			if _, err := c.Write(d.BuildHeartbeatReply()); err != nil {
				l.log.Warn().Err(err).Str("remote", c.remote.String()).Msg("心跳写入失败，关闭连接")
				_ = c.Close()
				return
			}
		}
	}
}

func (l *Listener) sweepLoop(ctx context.Context) {
	if l.opts.SweepInterval <= 0 || l.opts.StaleAfter <= 0 {
		return
	}
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepStale(l.now())
		}
	}
}

// sweepStale 关闭并移除空闲超过 StaleAfter 的连接，返回关闭数量
func (l *Listener) sweepStale(now time.Time) int {
	var stale []*connection
	l.mu.Lock()
	for key, c := range l.conns {
		if now.Sub(c.idleSince()) > l.opts.StaleAfter {
			stale = append(stale, c)
			delete(l.conns, key)
		}
	}
	l.mu.Unlock()

	for _, c := range stale {
		_ = c.Close()
		metrics.StaleClosed.Inc()
		l.log.Info().Str("remote", c.remote.String()).Time("last_activity", c.idleSince()).Msg("关闭失活连接")
	}
	return len(stale)
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
