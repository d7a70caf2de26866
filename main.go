package main

import (
	"context"
	"expvar"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pluginhub/internal"
	"pluginhub/pkg/api"
	"pluginhub/pkg/builder"
	"pluginhub/pkg/builds"
	"pluginhub/pkg/dispatch"
	"pluginhub/pkg/githubapp"
	"pluginhub/pkg/installs"
	"pluginhub/pkg/publish"
	"pluginhub/pkg/storage/registry"
	"pluginhub/pkg/webhook"

	_ "github.com/lib/pq"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	store, err := registry.Open(registry.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		AutoMigrate: config.Storage.AutoMigrate,
	})
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	defer store.Close()

	queue, err := internal.NewQueue(config.Queue)
	if err != nil {
		logger.Fatalf("queue: %v", err)
	}
	defer queue.Close()

	broker := githubapp.NewBroker(githubapp.Config{
		AppID:          config.GitHub.AppID,
		PrivateKeyPath: config.GitHub.PrivateKeyPath,
		BaseURL:        config.GitHub.BaseURL,
		Timeout:        time.Duration(config.GitHub.TokenTimeoutMS) * time.Millisecond,
	})

	orchestrator := builds.NewOrchestrator(
		store, store, broker, queue,
		config.Queue.Topic,
		time.Duration(config.GitHub.TokenTimeoutMS)*time.Millisecond,
		internal.NewLogger("builds"),
	)
	installRegistry := installs.NewRegistry(store, internal.NewLogger("installs"))
	publisher := publish.NewPublisher(store, store, store, store, internal.NewLogger("publish"))

	auth := &api.Authenticator{
		JWTSecret:      config.API.JWTSecret,
		CallbackSecret: config.Builder.CallbackSecret,
	}

	mux := http.NewServeMux()

	ghHandler, err := webhook.NewGitHubHandler(
		config.GitHub.WebhookSecret,
		installRegistry,
		orchestrator,
		config.Server.MaxBodyBytes,
		internal.NewLogger("webhook"),
	)
	if err != nil {
		logger.Fatalf("github handler: %v", err)
	}
	var webhookHandler http.Handler = ghHandler
	if config.Server.RateLimitRPS > 0 {
		webhookHandler = internal.NewRateLimitHandler(webhookHandler, config.Server.RateLimitRPS, config.Server.RateLimitBurst, 10*time.Minute)
	}
	mux.Handle(config.GitHub.WebhookPath, webhookHandler)
	logger.Printf("github webhook enabled on %s", config.GitHub.WebhookPath)

	apiLogger := internal.NewLogger("api")
	api.Routes(mux,
		&api.TriggerBuildHandler{Orchestrator: orchestrator, Auth: auth, Logger: apiLogger},
		&api.ListBuildsHandler{Builds: store, Plugins: store, Auth: auth, Logger: apiLogger},
		&api.BuilderCallbackHandler{Publisher: publisher, Auth: auth, Logger: apiLogger},
		&api.DownloadHandler{Publisher: publisher, Auth: auth, Logger: apiLogger},
		&api.RatingHandler{Publisher: publisher, Auth: auth, Logger: apiLogger},
	)

	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	buildClient, err := builder.NewHTTPBuilder(builder.Config{
		BaseURL: config.Builder.BaseURL,
		Timeout: time.Duration(config.Builder.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		logger.Fatalf("builder client: %v", err)
	}
	dispatcher := dispatch.New(queue, store, store, buildClient, dispatch.Config{
		Topic:      config.Queue.Topic,
		SweepAfter: time.Duration(config.Builder.SweepAfterMS) * time.Millisecond,
		SweepEvery: time.Duration(config.Builder.SweepEveryMS) * time.Millisecond,
	}, internal.NewLogger("dispatch"))

	dispatchDone := make(chan struct{})
	switch {
	case config.Queue.Driver == "riverqueue":
		go func() {
			defer close(dispatchDone)
			if err := dispatch.RunRiver(ctx, dispatcher, dispatch.RiverConfig{
				DSN:        config.Queue.RiverQueue.DSN,
				Queue:      config.Queue.RiverQueue.Queue,
				Kind:       config.Queue.RiverQueue.Kind,
				MaxWorkers: config.Queue.RiverQueue.MaxWorkers,
			}, internal.NewLogger("dispatch")); err != nil {
				logger.Printf("river dispatch stopped: %v", err)
			}
		}()
	case queue.HasSubscriber():
		go func() {
			defer close(dispatchDone)
			if err := dispatcher.Run(ctx); err != nil {
				logger.Printf("dispatch stopped: %v", err)
			}
		}()
	default:
		close(dispatchDone)
		logger.Printf("queue driver %q is publish-only, dispatch disabled", config.Queue.Driver)
	}

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	<-dispatchDone
}
