package main

import (
	"context"
	"net/http"

	"github.com/apex/log"
	"github.com/redis/go-redis/v9"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/config"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/crdt"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/db"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/documents"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/logging"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/realtime"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	logging.Init(cfg.LogLevel)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Fatal("could not connect to redis")
	}
	log.WithField("addr", cfg.RedisAddr).Info("connected to redis")

	store := db.New(cfg.DatabaseURL)
	manager := documents.NewManager(crdt.OpSet{}, store, realtime.NewPublisher(rdb))

	router := server.New(manager).Router()
	router.Handle("/realtime", realtime.NewRelay(rdb))

	log.WithField("addr", cfg.ListenAddr).Info("sync server listening")
	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
