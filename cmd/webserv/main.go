package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/netreactor/webserv/app"
	"github.com/netreactor/webserv/config"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.New()
	application, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	if err := application.Run(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
