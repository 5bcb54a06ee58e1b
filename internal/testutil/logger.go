// Package testutil provides shared helpers for camward package tests.
package testutil

import "go.uber.org/zap"

// Logger returns a development zap logger for tests. Panics on construction
// failure, which cannot happen with the development config.
func Logger() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic("testutil.Logger: " + err.Error())
	}
	return l
}
