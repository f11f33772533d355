package main

import (
	"github.com/liusanp/NOProxy/internal/cache"
	"github.com/liusanp/NOProxy/internal/config"
	"github.com/liusanp/NOProxy/internal/log"
	"github.com/liusanp/NOProxy/internal/resolver"
	"github.com/liusanp/NOProxy/internal/server"
	"github.com/liusanp/NOProxy/internal/upstream"
)

func main() {
	cfg := config.Load()
	log.Configure("", nil)
	logger := log.WithComponent("main")

	client := upstream.New(cfg)

	store, err := cache.Open(cfg, client)
	if err != nil {
		logger.Fatal().Err(err).Msg("open cache store")
	}
	defer store.Close()

	res := resolver.NewHTTP(cfg.ResolverURL, cfg.ResolverTimeout)

	srv := server.New(cfg, store, res, client)
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
