package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/cascade-gateway/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/keygen/main.go <api-key>")
		fmt.Println("Prints the SHA-256 hash an API key resolves to at load time, the form")
		fmt.Println("the authenticator's lookup table and its debug logs use. config.yaml's")
		fmt.Println("tenants.api_keys entries hold the raw key itself, not this hash.")
		os.Exit(1)
	}

	apiKey := os.Args[1]
	fmt.Printf("API Key:       %s\n", apiKey)
	fmt.Printf("SHA-256 Hash:  %s\n", auth.HashAPIKey(apiKey))
}
