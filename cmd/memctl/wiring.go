package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/ob-labs/agent-memory-go/memory/embedding"
	"github.com/ob-labs/agent-memory-go/memory/embedding/openai"
	"github.com/ob-labs/agent-memory-go/memory/llm"
	"github.com/ob-labs/agent-memory-go/memory/llm/anthropic"
	"github.com/ob-labs/agent-memory-go/memory/manager"
	"github.com/ob-labs/agent-memory-go/memory/pgstore"
	"github.com/ob-labs/agent-memory-go/memory/sqlitestore"
	"github.com/ob-labs/agent-memory-go/memory/store"
)

// buildBackend wires a manager.Backend from DATABASE_PROVIDER and friends.
// Supported providers: inprocess (default), sqlite, postgres.
func buildBackend() (manager.Backend, error) {
	godotenv.Load()

	switch getEnvOrDefault("DATABASE_PROVIDER", "inprocess") {
	case "sqlite":
		s, err := sqlitestore.Open(sqlitestore.Config{
			Path:      getEnvOrDefault("SQLITE_PATH", "./memctl.db"),
			TableName: getEnvOrDefault("SQLITE_TABLE", "memories"),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil

	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		dims, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_EMBEDDING_DIMS", "1536"))
		s, err := pgstore.Open(pgstore.Config{
			Host:       getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:       port,
			User:       getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password:   os.Getenv("POSTGRES_PASSWORD"),
			DBName:     getEnvOrDefault("POSTGRES_DATABASE", "memctl"),
			SSLMode:    getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
			TableName:  getEnvOrDefault("POSTGRES_TABLE", "memories"),
			Dimensions: dims,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if svc, err := buildEmbeddingService(); err == nil && svc != nil {
			s = s.WithEmbedder(svc)
		}
		return s, nil

	default:
		svc, err := buildEmbeddingService()
		if err != nil {
			return nil, err
		}
		if svc == nil {
			svc = embedding.NewMock(16)
		}
		cache, err := manager.NewRistrettoCache(10_000)
		if err != nil {
			return nil, fmt.Errorf("build embedding cache: %w", err)
		}
		return manager.NewInProcessBackend(store.New(store.Config{}), svc, cache), nil
	}
}

// buildEmbeddingService returns an OpenAI-backed embedding.Service when
// EMBEDDING_API_KEY is set, nil otherwise (the inprocess backend then falls
// back to a mock; the postgres backend is left without an embedder).
func buildEmbeddingService() (embedding.Service, error) {
	apiKey := os.Getenv("EMBEDDING_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	dims, _ := strconv.Atoi(getEnvOrDefault("EMBEDDING_DIMENSIONS", "1536"))
	return openai.NewClient(&openai.Config{
		APIKey:     apiKey,
		Model:      os.Getenv("EMBEDDING_MODEL"),
		BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
		Dimensions: dims,
	})
}

// buildLLMProvider returns an Anthropic-backed llm.Provider when
// LLM_API_KEY is set, nil otherwise (consolidate command requires one).
func buildLLMProvider() (llm.Provider, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	maxTokens, _ := strconv.ParseInt(getEnvOrDefault("LLM_MAX_TOKENS", "1024"), 10, 64)
	return anthropic.NewClient(&anthropic.Config{
		APIKey:    apiKey,
		Model:     os.Getenv("LLM_MODEL"),
		BaseURL:   os.Getenv("LLM_BASE_URL"),
		MaxTokens: maxTokens,
	})
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
