// config.go - Haupt-Konfigurationsfunktionen fuer den Exporter
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (ASREXPORT_DEBUG)
// - Tolerance: Validierungs-Toleranz (ASREXPORT_TOLERANCE)
// - OrtLibrary: Pfad zur onnxruntime Shared Library (ASREXPORT_ORT_LIBRARY)
// - HFEndpoint/HFToken/HFHome/HFOffline: Zugriff auf den Hugging Face Hub
// - DownloadParallel: Gleichzeitige Downloads (ASREXPORT_DOWNLOAD_PARALLEL)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via ASREXPORT_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ASREXPORT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Tolerance gibt die maximale absolute Abweichung fuer die Validierung zurueck
// Konfigurierbar via ASREXPORT_TOLERANCE
// Default: 1e-4
var Tolerance = Float("ASREXPORT_TOLERANCE", 1e-4)

// OrtLibrary gibt den Pfad zur onnxruntime Shared Library zurueck
// Konfigurierbar via ASREXPORT_ORT_LIBRARY
// Leer = Suchpfad des Systems
var OrtLibrary = String("ASREXPORT_ORT_LIBRARY")

// HFOffline verhindert Netzwerkzugriffe, nur bereits gecachte Dateien werden genutzt (HF_HUB_OFFLINE)
var HFOffline = Bool("HF_HUB_OFFLINE")

// DownloadParallel gibt die Anzahl gleichzeitiger Downloads zurueck
// Konfigurierbar via ASREXPORT_DOWNLOAD_PARALLEL
// Default: 4
var DownloadParallel = Uint("ASREXPORT_DOWNLOAD_PARALLEL", 4)

// HFToken gibt das Zugriffstoken fuer den Hub zurueck (HF_TOKEN)
var HFToken = String("HF_TOKEN")

// HFEndpoint gibt die Basis-URL des Hubs zurueck
// Konfigurierbar via HF_ENDPOINT
// Default: https://huggingface.co
func HFEndpoint() *url.URL {
	s := strings.TrimRight(Var("HF_ENDPOINT"), "/")
	if s == "" {
		s = "https://huggingface.co"
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		slog.Warn("invalid HF_ENDPOINT, using default", "value", s)
		u, _ = url.Parse("https://huggingface.co")
	}
	return u
}

// HFHome gibt das Cache-Verzeichnis fuer Hub-Downloads zurueck
// Konfigurierbar via HF_HOME
// Default: $HOME/.cache/huggingface
func HFHome() string {
	if s := Var("HF_HOME"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".cache", "huggingface")
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
