package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM plans":                       "SELECT",
		"  insert into usage_records values (1)":    "INSERT",
		"WITH x AS (SELECT 1) UPDATE subscriptions": "SELECT",
		"(DELETE FROM billing_events)":              "DELETE",
		"":                                          "UNKNOWN",
		"VACUUM":                                    "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Errorf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}

func TestGormLoggerSkipsRecordNotFound(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig(false))

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, gormlogger.ErrRecordNotFound)
	if logs.Len() != 0 {
		t.Fatalf("expected record-not-found to be ignored, got %d entries", logs.Len())
	}

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, errors.New("boom"))
	if logs.Len() != 1 {
		t.Fatalf("expected one error entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "gorm.query" || entry.Level != zap.ErrorLevel {
		t.Fatalf("unexpected entry %s at %s", entry.Message, entry.Level)
	}
}
