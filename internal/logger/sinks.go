package logger

import "os"

// stdoutSink and stderrSink resolve the file at write time so tests that swap
// os.Stdout still capture output.
type stdoutSink struct{}

func (stdoutSink) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdoutSink) Sync() error                 { return nil }

type stderrSink struct{}

func (stderrSink) Write(p []byte) (int, error) { return os.Stderr.Write(p) }
func (stderrSink) Sync() error                 { return nil }
