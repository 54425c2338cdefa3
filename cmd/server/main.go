package main

import (
	"context"
	"log"
	"strings"

	"github.com/mdekabs/diagnosy/internal/ai"
	"github.com/mdekabs/diagnosy/internal/chat"
	"github.com/mdekabs/diagnosy/internal/config"
	"github.com/mdekabs/diagnosy/internal/cryptobox"
	"github.com/mdekabs/diagnosy/internal/db"
	"github.com/mdekabs/diagnosy/internal/httpapi"
	"github.com/mdekabs/diagnosy/internal/httpapi/handlers"
	"github.com/mdekabs/diagnosy/internal/models"
	"github.com/mdekabs/diagnosy/internal/store/rabbitmq"
	"github.com/mdekabs/diagnosy/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&models.User{}, &chat.Chat{}, &chat.Message{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rds.Ping(context.Background()); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	specs, err := cryptobox.ParseKeys(cfg.EncryptionKeys)
	if err != nil {
		log.Fatalf("encryption keys: %v", err)
	}
	box, err := cryptobox.New(cfg.EncryptionActiveVersion, specs)
	if err != nil {
		log.Fatalf("encryption setup: %v", err)
	}

	// provider registry, routed by AI_PROVIDER
	reg := ai.NewRegistry()
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.GeminiModel
		}
		return ai.NewGeminiProvider(ctx, cfg.GeminiAPIKey, m)
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	provider, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}

	// mail is optional; the API stays up when the broker is down
	var mail handlers.MailPublisher
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("rabbit publisher unavailable, mail disabled: %v", err)
	} else {
		defer pub.Close()
		mail = pub
	}

	r := httpapi.NewRouter(gdb, cfg, rds, box, provider, mail)

	log.Printf("server listening addr=%s provider=%s", cfg.HTTPAddr, cfg.AIProvider)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
