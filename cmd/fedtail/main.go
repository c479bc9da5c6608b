package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	fedclient "github.com/fedsync/fedclient"
	"github.com/fedsync/fedclient/pubsub"
	"github.com/fedsync/fedclient/storage"
)

var (
	flagHomeserver = flag.String("homeserver", "", "Base URL of the homeserver, e.g. https://example.org")
	flagToken      = flag.String("token", "", "Access token (or set FEDCLIENT_TOKEN)")
	flagPostgres   = flag.String("db", "", "Optional postgres connection string for cursor persistence (see lib/pq docs)")
	flagSecret     = flag.String("secret", "", "Secret used to encrypt stored access tokens; required with -db")
	flagVerbose    = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*flagVerbose {
		logger = logger.Level(zerolog.InfoLevel)
	}
	token := *flagToken
	if token == "" {
		token = os.Getenv("FEDCLIENT_TOKEN")
	}
	if *flagHomeserver == "" || token == "" {
		flag.Usage()
		os.Exit(1)
	}

	var store storage.Store
	if *flagPostgres != "" {
		if *flagSecret == "" {
			logger.Fatal().Msg("-secret is required with -db")
		}
		pg, err := storage.NewPostgresStore(*flagPostgres, *flagSecret)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open postgres store")
		}
		store = pg
	}

	c, err := fedclient.New(fedclient.Config{
		HomeserverURL: *flagHomeserver,
		AccessToken:   token,
		Store:         store,
		EnableMetrics: true,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build client")
	}
	defer c.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	userID, err := c.Connect(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	logger.Info().Str("user_id", userID).Msg("connected, tailing events")

	sub := c.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-sub.Ch:
			if !ok {
				return
			}
			switch payload := p.(type) {
			case *pubsub.EventPayload:
				room := "unknown room"
				if r, ok := c.Rooms().Get(payload.Event.RoomID); ok {
					room = r.DisplayName()
				}
				logger.Info().
					Str("room", room).
					Str("sender", payload.Event.Sender).
					Str("type", payload.Event.Type).
					Str("body", payload.Event.Body()).
					Msg("event")
			case *pubsub.StatePayload:
				logger.Info().Str("from", payload.From).Str("to", payload.To).Msg("connection state")
			case *pubsub.TypingPayload:
				logger.Debug().Str("room_id", payload.RoomID).Strs("user_ids", payload.UserIDs).Msg("typing")
			}
		}
	}
}
