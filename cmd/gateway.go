package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/rtstream/apis"
	"github.com/alwitt/rtstream/common"
	"github.com/alwitt/rtstream/core"
	"github.com/alwitt/rtstream/stream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the streaming gateway until the runtime context ends
func RunGatewayServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	// -------------------------------------------------------------------
	// Define the gateway

	driver, err := core.GetAMQPDriver(core.DefineAMQPConnectParams(config.Broker, instance))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define AMQP driver")
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := stream.NewMetrics(registry)

	gateway, err := stream.NewGateway(runtimeContext, stream.GatewayParams{
		Broker:  config.Broker,
		Gateway: config.Gateway,
		Driver:  driver,
		Metrics: metrics,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway")
		return err
	}
	if err := gateway.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start gateway")
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := gateway.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during gateway shutdown")
		}
	}()

	// Optional NATS broadcast relay
	if config.Relay != nil {
		natsClient, relay, err := startBroadcastRelay(runtimeContext, *config.Relay, gateway, logTags)
		if err != nil {
			return err
		}
		defer func() {
			if err := relay.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during relay shutdown")
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctx)
		}()
	}

	// -------------------------------------------------------------------
	// Define the HTTP handlers

	streamHandler, err := apis.GetAPIWebSocketStreamHandler(
		runtimeContext, gateway, config.Gateway.WebSocket, &config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream handler")
		return err
	}
	healthHandler, err := apis.GetAPIRestHealthHandler(gateway, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health handler")
		return err
	}

	router := mux.NewRouter()
	_ = apis.RegisterPathPrefix(
		router, config.Gateway.WebSocket.Endpoint, map[string]http.HandlerFunc{
			"get": streamHandler.StreamHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": healthHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", map[string]http.HandlerFunc{
		"get": healthHandler.ReadyHandler(),
	})

	// Metrics
	router.Path("/metrics").Methods("get").Handler(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)

	// Static content
	if config.Gateway.StaticDir != "" {
		router.PathPrefix("/").Methods("get").Handler(
			http.FileServer(http.Dir(config.Gateway.StaticDir)),
		)
	}

	// Add logging
	requestLogger := apis.RequestLogWriter{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "cmd", "component": "http-requests", "instance": instance,
			},
		},
	}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(requestLogger, next)
	})

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.HTTP.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server. Hijacked WebSocket connections end when the gateway stops.
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	wg.Wait()

	return nil
}

// startBroadcastRelay connect to NATS and relay the configured subject to every session
func startBroadcastRelay(
	runtimeContext context.Context,
	config common.RelayConfig,
	gateway *stream.Gateway,
	logTags log.Fields,
) (*core.NatsClient, *stream.BroadcastRelay, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.NATS.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
		MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.NATS.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.NATS.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.NATS.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warn("NATS client closed connection")
		},
	}
	natsClient, err := core.GetNatsClient(natsParam)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return nil, nil, err
	}

	closeClient := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		natsClient.Close(ctx)
	}
	relay, err := stream.NewBroadcastRelay(runtimeContext, natsClient, gateway, config.Subject)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	if err := relay.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to relay %s", config.Subject)
		closeClient()
		return nil, nil, err
	}
	return natsClient, relay, nil
}
