package main

import (
	"flag"
	"os"

	"github.com/danmuck/trilink/internal/config"
	"github.com/danmuck/trilink/internal/logging"
)

var defaultPaths = map[string]string{
	"linkd":   "cmd/linkd/config.toml",
	"linkctl": "cmd/linkctl/config.toml",
}

func main() {
	kind := flag.String("kind", "linkd", "config kind: linkd|linkctl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	log := logging.Runtime("configgen").Logger
	fallback, known := defaultPaths[*kind]
	if !known {
		log.Error().Str("kind", *kind).Msg("unknown kind")
		os.Exit(1)
	}

	if *validate {
		path := *input
		if path == "" {
			path = fallback
		}
		if err := config.Validate(*kind, path); err != nil {
			log.Error().Err(err).Msg("validate failed")
			os.Exit(1)
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("validated config")
		return
	}

	target := *output
	if target == "" {
		target = fallback
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Error().Err(err).Msg("write template failed")
		os.Exit(1)
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
