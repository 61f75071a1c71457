package main

import (
	"flag"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/cmd"
	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/logging"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var login bool
	var configPath string

	flag.BoolVar(&login, "login", false, "Run the interactive login and exit")
	flag.StringVar(&configPath, "config", "", "Configure file path")

	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if login {
		cmd.DoLogin(cfg)
	} else {
		cmd.StartService(cfg, configPath)
	}
}
