package main

import (
	"context"
	"log"
	"net/http"

	"outcome-exchange/internal/api"
	"outcome-exchange/internal/config"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/store"
	"outcome-exchange/internal/ws"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	log.Println("[main] connected to database")

	if err := st.Migrate("migrations"); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("[main] migrations applied")

	hub := ws.NewHub()

	mgr := engine.NewManager(st, hub.Publish, cfg.OrderQuantityCap)
	if err := mgr.Boot(context.Background()); err != nil {
		log.Fatalf("engine boot: %v", err)
	}

	srv := api.NewServer(st, mgr, hub, cfg.JWTSecret, cfg.RequestTimeout)
	router := srv.Router()

	log.Printf("[main] listening on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("server: %v", err)
	}
}
