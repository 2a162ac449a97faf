package main

import (
	"github.com/rs/zerolog/log"
	"media-pipeline/cmd"
	"media-pipeline/config"
	"os"
)

func main() {
	path, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(err)
	}
	defer cfg.Close()

	root := cmd.Root(cfg)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Send()
	}
}
