package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhirsama/Goster-GPS/src/api"
	"github.com/nhirsama/Goster-GPS/src/broadcast"
	"github.com/nhirsama/Goster-GPS/src/config"
	"github.com/nhirsama/Goster-GPS/src/datastore"
	"github.com/nhirsama/Goster-GPS/src/device_manager"
	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/logger"
	"github.com/nhirsama/Goster-GPS/src/web"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动设备接入服务",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger.Init(logger.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx, cfg)
		if err != nil {
			return err
		}
		if err := svc.run(ctx); err != nil {
			return err
		}
		logger.Logger.Info().Msg("系统正常关闭")
		return nil
	},
}

// service 一次 serve 运行所需的全部组件
type service struct {
	cfg        *config.Config
	store      inter.TrackStore
	recorder   *datastore.AsyncRecorder
	hub        *broadcast.Hub
	forwarders []broadcast.Forwarder
	registry   *device_manager.Registry
	listener   *api.Listener
	web        inter.WebServer
	log        zerolog.Logger
}

// newService 按配置创建组件，任一外部依赖连接失败即返回错误
func newService(ctx context.Context, cfg *config.Config) (*service, error) {
	s := &service{cfg: cfg, log: logger.WithComponent("serve")}

	store, err := datastore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	s.store = store

	var recorder inter.Recorder
	if store != nil {
		s.recorder = datastore.NewAsyncRecorder(store, datastore.RecorderOptions{
			QueueSize:  cfg.Store.QueueSize,
			MaxRetries: cfg.Store.MaxRetries,
		})
		recorder = s.recorder
	}

	s.hub = broadcast.NewHub(cfg.Broadcast.Buffer)
	if err := s.dialForwarders(); err != nil {
		s.close()
		return nil, err
	}

	s.registry = device_manager.NewRegistry(device_manager.Options{
		Directory: s.directory(),
		Publisher: s.hub,
		Recorder:  recorder,
	})
	s.listener = api.NewListener(s.registry, api.OptionsFromConfig(cfg.TCP))
	s.web = web.NewWebServer(cfg.HTTP.Address, s.registry, s.listener, s.hub)
	return s, nil
}

func (s *service) directory() inter.DeviceDirectory {
	dirs := datastore.MultiDirectory{datastore.StaticDirectory(s.cfg.Directory.Devices)}
	if s.cfg.Directory.URL != "" {
		dirs = append(dirs, datastore.NewHTTPDirectory(s.cfg.Directory.URL, s.cfg.Directory.Timeout))
	}
	return dirs
}

func (s *service) dialForwarders() error {
	if c := s.cfg.NATS; c.URL != "" {
		f, err := broadcast.DialNATS(c.URL, c.SubjectPrefix)
		if err != nil {
			return err
		}
		s.forwarders = append(s.forwarders, f)
	}
	if c := s.cfg.MQTT; c.Broker != "" {
		f, err := broadcast.DialMQTT(c.Broker, c.ClientID, c.TopicPrefix, c.QoS)
		if err != nil {
			return err
		}
		s.forwarders = append(s.forwarders, f)
	}
	if c := s.cfg.AMQP; c.URL != "" {
		f, err := broadcast.DialAMQP(c.URL, c.Exchange)
		if err != nil {
			return err
		}
		s.forwarders = append(s.forwarders, f)
	}
	return nil
}

// run 运行到 ctx 结束或任一组件失败
// 落库写入器最后停止，以便记录关闭连接时产生的断开事件
func (s *service) run(ctx context.Context) error {
	defer s.close()

	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	if s.recorder != nil {
		go func() { _ = s.recorder.Run(recCtx) }()
	}

	resyncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	added, err := s.registry.Resync(resyncCtx)
	cancel()
	if err != nil {
		s.log.Error().Err(err).Msg("初始设备同步失败，稍后可通过 /api/devices/resync 重试")
	} else {
		s.log.Info().Int("devices", added).Msg("初始设备同步完成")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listener.Start(gctx) })
	g.Go(func() error { return s.web.Start(gctx) })
	for _, f := range s.forwarders {
		g.Go(func() error { return broadcast.Pump(gctx, s.hub.Subscribe(broadcast.AllTopics), f) })
	}
	if interval := s.cfg.Directory.ResyncInterval; interval > 0 {
		g.Go(func() error {
			s.resyncLoop(gctx, interval)
			return nil
		})
	}

	err = g.Wait()
	if s.recorder != nil {
		stopRecorder()
		s.recorder.Wait()
	}
	return err
}

func (s *service) resyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, interval)
			if _, err := s.registry.Resync(rctx); err != nil {
				s.log.Warn().Err(err).Msg("定时同步设备目录失败")
			}
			cancel()
		}
	}
}

func (s *service) close() {
	if s.hub != nil {
		s.hub.Close()
	}
	for _, f := range s.forwarders {
		if err := f.Close(); err != nil {
			s.log.Warn().Err(err).Str("sink", f.Name()).Msg("关闭转发器失败")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn().Err(err).Msg("关闭存储失败")
		}
	}
}
