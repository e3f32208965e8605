package main

import (
	"log"

	"courier/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("courier: %v", err)
	}
}
