// config.go - Haupt-Konfigurationsfunktionen fuer affinities
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host zurueck (AFFINITIES_HOST)
// - AllowedOrigins: Gibt erlaubte Origins zurueck (AFFINITIES_ORIGINS)
// - Models: Gibt das Model-Cache-Verzeichnis zurueck (AFFINITIES_MODELS)
// - Checkpoints: Gibt das Checkpoint-Verzeichnis zurueck (AFFINITIES_CHECKPOINTS)
// - DBPath: Gibt den Pfad der Session-Datenbank zurueck (AFFINITIES_DB)
// - LoadTimeout: Gibt Load-Timeout zurueck (AFFINITIES_LOAD_TIMEOUT)
// - LogLevel: Gibt Log-Level zurueck (AFFINITIES_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Trainings- und Pipeline-Einstellungen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Host gibt Scheme und Host zurueck
// Konfigurierbar via AFFINITIES_HOST
// Default: http://127.0.0.1:11435
func Host() *url.URL {
	defaultPort := "11435"

	s := strings.TrimSpace(Var("AFFINITIES_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt erlaubte Origins zurueck
// Konfigurierbar via AFFINITIES_ORIGINS (komma-separiert)
// Enthaelt Standard-Origins fuer localhost
func AllowedOrigins() (origins []string) {
	if s := Var("AFFINITIES_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	// Standard-Origins fuer localhost
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	// Viewer-Plugins laufen oft aus file:// oder app:// Kontexten
	origins = append(origins,
		"app://*",
		"file://*",
	)

	return origins
}

// home gibt das Basisverzeichnis ~/.affinities zurueck
func home() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(dir, ".affinities")
}

// Models gibt das Verzeichnis fuer entpackte und heruntergeladene Models zurueck
// Konfigurierbar via AFFINITIES_MODELS
// Default: $HOME/.affinities/models
func Models() string {
	if s := Var("AFFINITIES_MODELS"); s != "" {
		return s
	}

	return filepath.Join(home(), "models")
}

// Checkpoints gibt das Verzeichnis fuer Inferenz-Checkpoints zurueck
// Konfigurierbar via AFFINITIES_CHECKPOINTS
// Default: checkpoints (relativ zum Arbeitsverzeichnis)
func Checkpoints() string {
	if s := Var("AFFINITIES_CHECKPOINTS"); s != "" {
		return s
	}

	return "checkpoints"
}

// DBPath gibt den Pfad der SQLite-Datenbank fuer die Session-Historie zurueck
// Konfigurierbar via AFFINITIES_DB
// Default: $HOME/.affinities/affinities.db
func DBPath() string {
	if s := Var("AFFINITIES_DB"); s != "" {
		return s
	}

	return filepath.Join(home(), "affinities.db")
}

// LoadTimeout gibt das Timeout fuer das Laden entfernter Models zurueck
// Konfigurierbar via AFFINITIES_LOAD_TIMEOUT
// 0 oder negative Werte = unendlich
// Default: 5 Minuten
func LoadTimeout() (loadTimeout time.Duration) {
	loadTimeout = 5 * time.Minute
	if s := Var("AFFINITIES_LOAD_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			loadTimeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			loadTimeout = time.Duration(n) * time.Second
		}
	}

	if loadTimeout <= 0 {
		return time.Duration(math.MaxInt64)
	}

	return loadTimeout
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via AFFINITIES_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("AFFINITIES_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
