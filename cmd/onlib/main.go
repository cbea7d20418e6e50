package main

import (
	"log"

	"go.uber.org/zap"

	"onlib/internal/app"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	application, err := app.New(logger)
	if err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}

	if err := application.Run(); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
