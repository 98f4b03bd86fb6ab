package stt

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/omi/listen-server/internal/errors"
)

const defaultLanguage = "en"

// Keys carries the provider credentials read from the environment.
type Keys struct {
	Deepgram     string
	Soniox       string
	Speechmatics string
}

// NewProviders returns the configured providers in preference order.
// Providers without a key are skipped.
func NewProviders(order []string, keys Keys) []Provider {
	var providers []Provider
	for _, name := range order {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "deepgram":
			if keys.Deepgram != "" {
				providers = append(providers, NewDeepgram(keys.Deepgram))
			}
		case "soniox":
			if keys.Soniox != "" {
				providers = append(providers, NewSoniox(keys.Soniox))
			}
		case "speechmatics":
			if keys.Speechmatics != "" {
				providers = append(providers, NewSpeechmatics(keys.Speechmatics))
			}
		default:
			log.Warn().Str("provider", name).Msg("unknown stt provider in service order")
		}
	}
	return providers
}

type Selection struct {
	Provider Provider
	Language string
	// Fallback is set when the requested language was not served directly.
	Fallback bool
}

// Select picks the first provider that serves both the language and the
// sample rate. Failing that, the first provider that accepts the rate is
// used with its multi-language model, or English when it has none. It errors
// only when no provider accepts the sample rate.
func Select(providers []Provider, language string, sampleRate int) (Selection, error) {
	language = NormalizeLanguage(language)

	for _, p := range providers {
		if p.SupportsSampleRate(sampleRate) && p.SupportsLanguage(language) {
			return Selection{Provider: p, Language: language}, nil
		}
	}
	for _, p := range providers {
		if !p.SupportsSampleRate(sampleRate) {
			continue
		}
		fallback := LanguageMulti
		if !p.SupportsLanguage(fallback) {
			fallback = defaultLanguage
		}
		log.Info().
			Str("provider", p.Name()).
			Str("language", language).
			Str("fallback", fallback).
			Msg("no stt provider for language, falling back")
		return Selection{Provider: p, Language: fallback, Fallback: true}, nil
	}
	return Selection{}, apperrors.UnsupportedLanguage(fmt.Sprintf("%s at %d Hz", language, sampleRate))
}
