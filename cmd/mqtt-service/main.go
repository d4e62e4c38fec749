package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/OpenAgricultureFoundation/mqtt-service/internal/service"
)

func main() {
	configPath := flag.String("config", "./config/mqtt-service.yaml", "path to service config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := service.New(*configPath)
	if err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		log.Printf("service stopped with error: %v", err)
		os.Exit(1)
	}
}
