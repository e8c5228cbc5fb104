package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parlor/pkg/config"
	"github.com/go-go-golems/parlor/pkg/notify"
	"github.com/go-go-golems/parlor/pkg/persistence/messagestore"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/provider"
	"github.com/go-go-golems/parlor/pkg/redisstream"
	"github.com/go-go-golems/parlor/pkg/rooms"
	"github.com/go-go-golems/parlor/pkg/streaming"
	"github.com/go-go-golems/parlor/pkg/typing"
	"github.com/go-go-golems/parlor/pkg/usage"
	"github.com/go-go-golems/parlor/pkg/webchat"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(v, "")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, s)
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("store-driver", "sqlite", "message store (sqlite, memory)")
	f.String("store-path", "parlor.db", "sqlite database file")
	f.Int("memory-cap", 0, "messages kept per conversation by the memory store, 0 for all")
	f.String("usage-driver", "memory", "usage meter (memory, redis, none)")
	f.Int64("message-limit", 0, "messages per user per usage window, 0 for unlimited")
	f.String("provider", "echo", "generation provider (echo, scripted, openai)")
	f.String("model", "", "default model for the provider")
	f.String("script", "", "YAML script for the scripted provider")
	f.Bool("redis", false, "use Redis Streams for the notification bus")
	f.String("redis-addr", "localhost:6379", "redis address")
	for key, flag := range map[string]string{
		"addr":                "addr",
		"store.driver":        "store-driver",
		"store.path":          "store-path",
		"store.memory-cap":    "memory-cap",
		"usage.driver":        "usage-driver",
		"usage.message-limit": "message-limit",
		"provider.kind":       "provider",
		"provider.model":      "model",
		"provider.script":     "script",
		"redis.enabled":       "redis",
		"redis.addr":          "redis-addr",
	} {
		cobra.CheckErr(v.BindPFlag(key, f.Lookup(flag)))
	}
	return cmd
}

func buildMeter(s config.Settings) (usage.Meter, func() error, error) {
	limits := usage.Limits{MessageLimit: s.Usage.MessageLimit, Window: s.Usage.Window}
	switch s.Usage.Driver {
	case "none":
		return nil, func() error { return nil }, nil
	case "redis":
		client := redisstream.NewClient(s.Redis)
		m, err := usage.NewRedisMeter(client, limits, "")
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return m, client.Close, nil
	default:
		return usage.NewMemoryMeter(limits), func() error { return nil }, nil
	}
}

func ensureNotifyGroups(ctx context.Context, s redisstream.Settings) error {
	client := redisstream.NewClient(s)
	defer func() { _ = client.Close() }()
	for _, topic := range []string{notify.TopicUser, notify.TopicBroadcast} {
		if err := redisstream.EnsureGroupAtTail(ctx, client, topic, s.Group); err != nil {
			return errors.Wrapf(err, "ensure consumer group on %s", topic)
		}
	}
	return nil
}

func runServe(ctx context.Context, s config.Settings) error {
	store, err := messagestore.Open(s.Store.Driver, s.Store.Path, s.Store.MemoryCap)
	if err != nil {
		return errors.Wrap(err, "open message store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("message store close error")
		}
	}()

	meter, closeMeter, err := buildMeter(s)
	if err != nil {
		return errors.Wrap(err, "build usage meter")
	}
	defer func() { _ = closeMeter() }()

	prov, err := provider.New(s.Provider)
	if err != nil {
		return errors.Wrap(err, "build provider")
	}

	if s.Redis.Enabled {
		if err := ensureNotifyGroups(ctx, s.Redis); err != nil {
			return err
		}
	}
	bus, err := redisstream.BuildBus(s.Redis)
	if err != nil {
		return errors.Wrap(err, "build notification bus")
	}
	defer func() { _ = bus.Close() }()

	registry := presence.NewRegistry()
	rb, err := rooms.NewBroadcaster(registry)
	if err != nil {
		return err
	}
	tracker, err := typing.NewTracker(rb, s.TypingTimeout)
	if err != nil {
		return err
	}
	defer tracker.Close()

	var usageBridge streaming.UsageBridge
	if meter != nil {
		usageBridge = meter
	}
	orch, err := streaming.NewOrchestrator(streaming.Config{
		BaseCtx:        context.WithoutCancel(ctx),
		Rooms:          rb,
		Store:          store,
		Usage:          usageBridge,
		Provider:       prov,
		DefaultModel:   s.Provider.Model,
		IdleTimeout:    s.StreamIdleTimeout,
		PersistTimeout: s.PersistTimeout,
		UsageTimeout:   s.UsageTimeout,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	rb.OnLeave(tracker.HandleLeave)
	rb.OnLeave(orch.HandleLeave)

	hub, err := webchat.NewHub(webchat.HubConfig{
		Registry: registry,
		Rooms:    rb,
		Typing:   tracker,
		Streams:  orch,
		Auth:     webchat.HeaderAuthenticator{},
		WS:       s.WS,
	})
	if err != nil {
		return err
	}
	pub, err := notify.NewPublisher(bus.Publisher)
	if err != nil {
		return err
	}
	dispatcher, err := notify.NewDispatcher(bus.Subscriber, registry)
	if err != nil {
		return err
	}
	srv, err := webchat.NewServer(webchat.ServerConfig{
		Addr:           s.Addr,
		Hub:            hub,
		Store:          store,
		Meter:          meter,
		Notifier:       pub,
		AllowedOrigins: s.CORS.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("store", s.Store.Driver).
		Str("usage", s.Usage.Driver).
		Str("provider", s.Provider.Kind).
		Bool("redis_bus", s.Redis.Enabled).
		Msg("parlor configured")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return dispatcher.Run(egCtx) })
	eg.Go(func() error { return srv.Run(egCtx) })
	err = eg.Wait()
	log.Info().Msg("server shutdown complete")
	return err
}
