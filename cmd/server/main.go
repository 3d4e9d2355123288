package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/logging"
	"github.com/casemark-dev/casechat/internal/server/handlers"
	"github.com/casemark-dev/casechat/internal/server/ratelimit"
	"github.com/casemark-dev/casechat/internal/server/storage"
	"github.com/casemark-dev/casechat/internal/server/ws"
)

func main() {
	godotenv.Load()

	log, err := logging.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.New(log)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}

	hub := ws.NewHub(log)
	go hub.Run()

	srv := &handlers.Server{
		Store:   store,
		Hub:     hub,
		Limiter: ratelimit.New(),
		Log:     log,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Info("server listening", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, srv.Router()); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
