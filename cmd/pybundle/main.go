package main

import (
	"github.com/joho/godotenv"

	"github.com/oshokin/pybundle/cmd/pybundle/cmd"
)

func main() {
	// PYBUNDLE_* overrides may live in a local .env file.
	_ = godotenv.Load()

	cmd.Execute()
}
