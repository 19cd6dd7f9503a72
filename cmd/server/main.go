package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	keyRepo "e2e_dm/internal/repository/keys"
	msgRepo "e2e_dm/internal/repository/messages"
	redisSvc "e2e_dm/internal/service/redis"
	"e2e_dm/internal/service/server"
	"e2e_dm/internal/utils/log"
)

type config struct {
	Addr      string
	MongoURI  string
	RedisAddr string
	JWTSecret string
}

func loadConfig() config {
	cfg := config{
		Addr:      "localhost:9090",
		MongoURI:  "mongodb://localhost:27017",
		RedisAddr: "localhost:6379",
		JWTSecret: "dev-only-secret",
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	return cfg
}

func main() {
	cfg := loadConfig()

	mongoDBClient, err := initMongo(cfg.MongoURI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	db := mongoDBClient.Database("e2e_dm")

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	s := server.NewHttpServer(
		keyRepo.NewKeyRepo(db),
		msgRepo.NewMessageRepo(db),
		redisSvc.NewRedis(rdb),
		server.DefaultTokenConfig(cfg.JWTSecret),
	)

	log.Info("listening", zap.String("addr", cfg.Addr))
	if err := s.Run(cfg.Addr); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
