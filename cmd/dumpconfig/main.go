package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/rajbos/copilot-usage-sync/internal/config"
)

// dumpconfig prints the effective merged configuration. The shared key lives
// in the OS credential store and is not part of the payload, so the output is
// safe to paste into a support ticket.
func main() {
	configFile := flag.String("config", "", "path to a usagesync config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Fatalf("encode config: %v", err)
	}
	fmt.Println(string(data))
}
