package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func envInt(key string, fallback int) int {
	if parsed, err := strconv.Atoi(envOrDefault(key, "")); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func envDuration(key, fallback string) time.Duration {
	if d, err := time.ParseDuration(envOrDefault(key, fallback)); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func fmtArgs(args []interface{}) string {
	return strings.TrimSuffix(fmt.Sprintln(args...), "\n")
}
