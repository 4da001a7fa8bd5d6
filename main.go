package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"storefront-chat/internal/auth"
	"storefront-chat/internal/config"
	"storefront-chat/internal/handlers"
	"storefront-chat/internal/middleware"
	"storefront-chat/internal/observability"
	"storefront-chat/internal/rabbitmq"
	"storefront-chat/internal/repositories"
	"storefront-chat/internal/telemetry"
	"storefront-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Gateway.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.Telemetry.ServiceName, cfg.Gateway.Environment)

	tokens, err := auth.NewTokens(cfg.Gateway.JWTSecret, 24*time.Hour)
	if err != nil {
		log.Fatalf("failed to init tokens: %v", err)
	}

	repo := repositories.NewMemoryRepo(cfg.Gateway.HistoryLimit)
	hub := ws.NewHub()

	conversationHandler := handlers.NewConversationHandler(repo, hub, audit, cfg.Gateway.HistoryLimit)
	conversationWS := ws.NewConversationWebSocketHandler(hub, repo, tokens, cfg.Gateway.HistoryLimit)

	router := gin.Default()

	// middlewares
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(tokens)

	router.POST("/conversations", authMiddleware, conversationHandler.OpenConversation)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.GetMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.PostMessage)
	router.POST("/conversations/:conversation_id/read", authMiddleware, conversationHandler.MarkRead)

	router.GET("/ws", conversationWS.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterDebugRoutes(router, audit, publisher, cfg.Gateway.DebugRoutes)

	if err := router.Run(cfg.Gateway.Addr()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
