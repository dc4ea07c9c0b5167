package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dzvin-ua/site-backend/internal/config"
	"github.com/dzvin-ua/site-backend/internal/handlers"
	"github.com/dzvin-ua/site-backend/internal/services"
	"github.com/dzvin-ua/site-backend/internal/store"
)

func main() {
	// Load .env
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env: %s", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to MongoDB
	client, err := store.Connect(context.Background(), cfg.MongoURI)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	db := store.NewMongo(client.Database(cfg.MongoDB))
	if err := db.EnsureIndexes(context.Background()); err != nil {
		log.Fatalf("Failed to ensure indexes: %v", err)
	}

	// Initialize services and handlers
	processor := services.NewWayForPayService(cfg.WayForPay)
	mailer := services.NewMailerService(cfg.Mailer)
	paymentService := services.NewPaymentService(db, db, processor, mailer, cfg.Payments)
	paymentHandler := handlers.NewPaymentHandler(paymentService, cfg.StrictWebhookErrors)

	feed := services.NewFacebookService(cfg.Content)
	translator := services.NewTranslateService(cfg.Content.TranslateMirrors, cfg.Content.TranslateTimeout)
	contentService := services.NewContentService(db, feed, translator, cfg.Content)
	contentHandler := handlers.NewContentHandler(contentService)

	// Set up router
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/donate", paymentHandler.Donate).Methods("POST")
	router.HandleFunc("/api/payment/webhook", paymentHandler.Webhook).Methods("POST")
	router.HandleFunc("/api/payment/status", paymentHandler.Status).Methods("GET")

	router.HandleFunc("/api/posts", contentHandler.Posts).Methods("GET")
	router.HandleFunc("/share/{postID}", contentHandler.Share).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Start server
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Printf("Server running on port %s", cfg.Port)
	log.Fatal(server.ListenAndServe())
}
