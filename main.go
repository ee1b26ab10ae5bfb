package main

import (
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg := loadConfig()
	configureLogging(cfg)

	if err := newRootCmd(&cfg).Execute(); err != nil {
		log.Fatal(err)
	}
}
