// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianLearn/cmd/learn/config"
	"github.com/AleutianAI/AleutianLearn/services/generator"
	"github.com/AleutianAI/AleutianLearn/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianLearn/services/producer"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "learn-server"

func initTracer(ctx context.Context, c config.ServerConfig) (func(context.Context), error) {
	var exporter sdktrace.SpanExporter
	switch c.TraceExporter {
	case "otlp":
		conn, err := grpc.NewClient(c.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		if exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn)); err != nil {
			return nil, err
		}
	case "stdout":
		var err error
		if exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr)); err != nil {
			return nil, err
		}
	default:
		return func(context.Context) {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown the trace provider", "error", err)
		}
	}, nil
}

// buildGenerator selects the generation backend.
func buildGenerator(c config.ServerConfig) (generator.Generator, error) {
	switch c.Generator {
	case "openai":
		slog.Info("Using OpenAI generator backend")
		return generator.NewOpenAIGenerator(generator.OpenAIConfig{
			Model:   c.Model,
			BaseURL: c.OpenAIBaseURL,
		})
	case "ollama":
		slog.Info("Using Ollama generator backend")
		return generator.NewOllamaGenerator(generator.OllamaConfig{
			BaseURL: c.OllamaURL,
			Model:   c.Model,
		})
	case "template", "":
		slog.Info("Using template generator backend")
		return generator.NewTemplateGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown generator backend %q", c.Generator)
	}
}

// newServerRouter builds the gin engine for `learn serve`.
func newServerRouter(c config.ServerConfig) (*gin.Engine, error) {
	gen, err := buildGenerator(c)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize the generator: %w", err)
	}
	pcfg := producer.DefaultConfig()
	pcfg.BatchSize = c.BatchSize
	pcfg.BatchDelay = c.BatchDelay
	pcfg.ChunkSize = c.ChunkSize
	p, err := producer.New(gen, pcfg)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, p)
	return router, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := initTracer(ctx, cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to setup the tracer: %w", err)
	}
	defer cleanup(context.Background())

	router, err := newServerRouter(cfg.Server)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Open SSE streams end when the signal context is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the learn server", "port", cfg.Server.Port, "generator", cfg.Server.Generator)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	out.Success(fmt.Sprintf("Serving on http://localhost:%d", cfg.Server.Port))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down the learn server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
