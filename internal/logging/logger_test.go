package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewDevelopmentLogger(t *testing.T) {
	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected development logger to enable debug")
	}
	logger.Info("development logger ready")
	_ = Sync(logger)
}

func TestNewProductionLogger(t *testing.T) {
	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected production logger to drop debug")
	}
	if zap.L() != logger {
		t.Fatal("expected logger to be installed globally")
	}
	logger.Info("production logger ready")
	_ = Sync(logger)
}

func TestSyncNop(t *testing.T) {
	if err := Sync(zap.NewNop()); err != nil {
		t.Fatalf("Sync(nop) error = %v", err)
	}
}
