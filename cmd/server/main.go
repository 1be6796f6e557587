package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sgurov/authsvc/internal/config"
	authhandlers "github.com/sgurov/authsvc/internal/handlers/auth"
	"github.com/sgurov/authsvc/internal/logging"
	"github.com/sgurov/authsvc/internal/middleware/sessionid"
	"github.com/sgurov/authsvc/internal/mykafka"
	"github.com/sgurov/authsvc/internal/repo"
	"github.com/sgurov/authsvc/internal/service"
	"github.com/sgurov/authsvc/internal/session"
	"github.com/sgurov/authsvc/internal/tokens"
	"github.com/sgurov/authsvc/internal/totp"
	httpserver "github.com/sgurov/authsvc/internal/transport/http"
	loggingmw "github.com/sgurov/authsvc/pkg/middleware/logging"
)

func main() {
	configuration, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(configuration.LOG_LEVEL)

	db, err := config.InitDB(configuration)
	if err != nil {
		log.Fatalf("database init error: %v", err)
	}

	rdb, err := config.InitRedis(configuration)
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}

	var producer *mykafka.Producer
	if configuration.KAFKA_ADDRESS != "" {
		producer, err = mykafka.NewProducer([]string{configuration.KAFKA_ADDRESS})
		if err != nil {
			log.Fatal(err)
		}
	}

	codec := &tokens.Codec{
		Secret:    []byte(configuration.JWT_SECRET),
		AccessTTL: configuration.AccessTTL,
	}
	verifier := &totp.Verifier{Issuer: configuration.TOTP_ISSUER}

	authService := &service.AuthService{
		Users:          &repo.UserRepo{DB: db},
		Sessions:       session.NewStore(rdb),
		Codec:          codec,
		TOTP:           verifier,
		RememberWindow: configuration.RememberWindow,
	}
	if producer != nil {
		authService.Producer = producer
	}

	e := echo.New()
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID())
	e.Use(loggingmw.RequestLogger(logger))
	e.Use(sessionid.Middleware(configuration.RememberWindow))

	deps := httpserver.Deps{
		AuthHandler: &authhandlers.AuthHandler{Auth: authService, Codec: codec},
		Codec:       codec,
	}
	httpserver.Register(e, &deps)

	srv := &http.Server{
		Addr:         ":" + configuration.PORT,
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
	}

	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Printf("kafka close error: %v", err)
		}
	}

	log.Println("shutdown complete")
}
