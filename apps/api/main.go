package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // register the /debug/pprof handlers
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pawtograder/staging/apps"
	echoapi "github.com/pawtograder/staging/apps/api/echo"
	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
	"github.com/pawtograder/staging/core/views"
	emailsvc "github.com/pawtograder/staging/services/email"
	logsvc "github.com/pawtograder/staging/services/logger"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	pubLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "PUBLISH : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	// set up backend
	backend, closeBackend, err := apps.OpenBackend(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up backend: %v", err), err)
	}
	defer func() {
		if err = closeBackend(); err != nil {
			logger.Error("Failed to close backend", err)
		}
	}()

	// set up services
	mailSvc := emailsvc.NewService(conf, logger)

	roster, err := views.NewCache(backend, conf.Views.CacheSize)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up views: %v", err), err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := staging.NewMetrics(registry)

	reporters := staging.Reporters{&staging.LogReporter{Log: pubLogger}}
	if conf.Publish.Receipts {
		reporters = append(reporters, &staging.MailReporter{AppName: conf.AppName, MailSvc: mailSvc})
	}

	publisher := staging.NewPublisher(
		staging.PublisherDeps{
			Backend:  backend,
			Views:    roster,
			Reporter: reporters,
			Logger:   pubLogger,
			Metrics:  metrics,
		},
		apps.PublishOptions(conf),
	)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q, backend %q", conf.Build, conf.Backend.Driver))
	defer logger.Info("Application stopped")

	validate, translator := core.NewValidator()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("backend").Set(conf.Backend.Driver)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugAddress, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Publisher:  publisher,
			Roster:     roster,
			Metrics:    metrics,
			Gatherer:   registry,
			Validate:   validate,
			Translator: translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}
