package config_test

import (
	"fmt"
	"log"

	"github.com/robert-malhotra/cmr-tiler/internal/config"
)

func ExampleLoad() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Server: %s\n", cfg.Server.Address())
	fmt.Printf("CMR: %s\n", cfg.CMR.BaseURL)
	fmt.Printf("Cache: %s ttl=%s maxsize=%d\n", cfg.Cache.Backend, cfg.Cache.TTL, cfg.Cache.MaxSize)
	fmt.Printf("Access: %s\n", cfg.Auth.Access)

	// Output:
	// Server: 0.0.0.0:8080
	// CMR: https://cmr.earthdata.nasa.gov/search
	// Cache: memory ttl=5m0s maxsize=512
	// Access: external
}
