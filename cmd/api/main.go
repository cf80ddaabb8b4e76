package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/audit"
	"disputeflow/channel"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/operator"
	"disputeflow/orders"
	"disputeflow/provider/paypal"
	"disputeflow/provider/stripe"
	"disputeflow/review"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	providers := map[dispute.Provider]dispute.ProviderClient{}
	if cfg.PayPalClientID != "" {
		providers[dispute.ProviderPayPal] = paypal.NewClient(paypal.Config{
			BaseURL:   cfg.PayPalBaseURL,
			ClientID:  cfg.PayPalClientID,
			Secret:    cfg.PayPalSecret,
			WebhookID: cfg.PayPalWebhookID,
		}, nil)
	}
	if cfg.StripeSecretKey != "" {
		providers[dispute.ProviderStripe] = stripe.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}

	auditor := audit.NewLogger(pool)
	reviews := review.NewRepository(pool)
	orderLookup := orders.NewRepository(pool)
	disputeService := dispute.NewService(pool, auditor, reviews, orderLookup, providers)
	webhookService := dispute.NewWebhookService(pool, nil, disputeService, providers, log)
	operatorService := operator.NewService(operator.NewRepository(pool), cfg.JWTSecret)
	channelService := channel.NewService(channel.NewRepository(pool))

	server := &Server{
		log:             log,
		channelService:  channelService,
		operatorService: operatorService,
		disputeService:  disputeService,
		webhookService:  webhookService,
		reviewService:   reviews,
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithField("port", cfg.Port).Info("api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("serve")
	}
}
