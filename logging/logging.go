/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package logging defines the logging interface shared by the harness
// components.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the subset of the *zap.Logger which the harness utilizes.
// It has been abstracted as interface to allow easier mocking and to
// make it possible to write a shim to support other loggers if necessary.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// Nop returns a logger which discards everything.  Components fall back
// to it when constructed without a logger.
func Nop() Logger {
	return zap.NewNop()
}

// NewConsole builds a development-style console logger at the given
// level ("debug", "info", "warn", "error").  Unknown levels fall back
// to info.
func NewConsole(level string) (Logger, error) {
	cfg := zap.NewDevelopmentConfig()

	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(l)

	return cfg.Build()
}
