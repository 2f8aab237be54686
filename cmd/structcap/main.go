// Package main provides the entry point for the structcap CLI.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/raphaelgruber/structcap/internal/cli"
)

func main() {
	// A missing .env is fine; real environment variables always win.
	_ = godotenv.Load()

	os.Exit(cli.Execute())
}
