package main

import (
	"storyproc/cmd/handlers"
	"storyproc/internal/logger"
)

func main() {
	logger.Init() // Initialize the logger
	handlers.Execute()
}
