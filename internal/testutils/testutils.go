// Package testutils contains helpers shared by the test suites of the module.
package testutils

import (
	"io"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// LogLevel is the verbosity of the test loggers, low enough to show per-entry events.
var LogLevel = -10

// NewLogger returns a development logger writing to w, usually the GinkgoWriter.
func NewLogger(w io.Writer) logr.Logger {
	return zap.New(zap.UseFlagOptions(&zap.Options{
		Development:     true,
		DestWriter:      w,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
		Level:           zapcore.Level(LogLevel),
	}))
}

// Produce calls fn(p, i) for every i < perProducer on a separate goroutine per producer p. The
// returned channel is closed once every producer is done.
func Produce(producers, perProducer int, fn func(p, i int)) <-chan struct{} {
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				fn(p, i)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	return done
}
