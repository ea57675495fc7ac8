package main

import (
	"log"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/quietloop/memochat/internal/assembler"
	"github.com/quietloop/memochat/internal/config"
	"github.com/quietloop/memochat/internal/db"
	"github.com/quietloop/memochat/internal/httpapi"
	"github.com/quietloop/memochat/internal/identity"
	"github.com/quietloop/memochat/internal/imagecache"
	"github.com/quietloop/memochat/internal/ollama"
	"github.com/quietloop/memochat/internal/session"
	"github.com/quietloop/memochat/internal/summary"
)

func main() {
	var (
		addrFlag   = pflag.String("addr", "", "listen address (overrides config)")
		configFlag = pflag.String("config", "", "path to YAML config file")
		dbFlag     = pflag.String("db", "", "path to SQLite database (overrides config)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}

	// A missing durable store degrades persistence to memory-only.
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		log.Printf("[server] durable store unavailable, running memory-only: %v", err)
		database = nil
	} else {
		defer database.Close()
		if err := db.InitSchema(database); err != nil {
			log.Printf("[server] failed to init schema, running memory-only: %v", err)
			database.Close()
			database = nil
		}
	}

	sessions := session.NewStore(cfg.MaxMessageChars)
	images := imagecache.NewCache(cfg.ImageCacheSize)
	summaries := summary.NewStore(database, cfg.MaxDigestChars, cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldown)*time.Second)
	resolver := identity.NewResolver(database)

	backend := ollama.NewClient(cfg.OllamaBaseURL, time.Duration(cfg.RequestTimeout)*time.Second)
	summarizer := summary.NewSummarizer(backend, cfg.DefaultModel, cfg.PreviewChars)

	asm := assembler.New(assembler.Config{
		HistoryWindow:      cfg.HistoryWindow,
		SummarizeThreshold: cfg.SummarizeThreshold,
		KeepRecent:         cfg.KeepRecent,
		DefaultModel:       cfg.DefaultModel,
		AllowedModels:      cfg.AllowedModels,
		VisionModels:       cfg.VisionModels,
		StandardPersona:    cfg.StandardPersona,
		VoicePersona:       cfg.VoicePersona,
	}, backend, summarizer, summaries, sessions, images, resolver)

	server := httpapi.NewServer(asm, sessions, images, summaries, database)

	if database != nil {
		events := database
		logEvent := func(eventType string, payload map[string]any) {
			if _, err := db.LogEvent(events, eventType, payload); err != nil {
				log.Printf("[server] failed to log event %s: %v", eventType, err)
			}
		}
		asm.LogEvent = logEvent
		server.LogEvent = logEvent
	}

	log.Printf("server listening addr=%s model=%s backend=%s durable=%t",
		cfg.Addr, cfg.DefaultModel, cfg.OllamaBaseURL, database != nil)
	if err := http.ListenAndServe(cfg.Addr, server.Handler()); err != nil {
		log.Fatalf("[server] %v", err)
	}
}
