package main

import (
	"github.com/joho/godotenv"

	"github.com/nextlevelbuilder/coderelay/cmd"
)

func main() {
	// Best effort: local secrets (CODERELAY_DISCORD_TOKEN etc.) from .env.
	_ = godotenv.Load(".env")

	cmd.Execute()
}
