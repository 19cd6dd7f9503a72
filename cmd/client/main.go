package main

import (
	"context"
	stdlog "log"
	"os"

	"github.com/redis/go-redis/v9"

	"e2e_dm/internal/directory"
	"e2e_dm/internal/service/app"
	redisSvc "e2e_dm/internal/service/redis"
)

func main() {
	if len(os.Args) < 4 {
		stdlog.Fatal("usage: client <username> <email> <recipient>")
	}
	username, email, recipient := os.Args[1], os.Args[2], os.Args[3]

	serverURL := "http://localhost:9090"
	if v := os.Getenv("SERVER_URL"); v != "" {
		serverURL = v
	}
	wsURL := "ws://localhost:9090/ws"
	if v := os.Getenv("WS_URL"); v != "" {
		wsURL = v
	}
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx := context.Background()
	dir := directory.NewClient(serverURL)

	a := app.NewApp(dir, redisSvc.NewRedis(rdb), wsURL)
	a.Run(ctx, username, email, recipient)
	a.Stop(ctx)
}
