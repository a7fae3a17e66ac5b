// Package alert surfaces non-fatal operational failures, such as billing
// reconciliation errors that are acknowledged to the provider anyway.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Source   string
	Severity Severity
	Message  string
	Fields   map[string]string
}

// Reporter never fails the caller.
type Reporter interface {
	Report(ctx context.Context, a Alert)
}

var Module = fx.Module("alert",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Registerer prometheus.Registerer `optional:"true"`
}

type reporter struct {
	log       *zap.Logger
	counter   *prometheus.CounterVec
	slackHook string
	client    *http.Client
}

func New(p Params) Reporter {
	registerer := p.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_alerts_total",
		Help: "Operational alerts by source and severity.",
	}, []string{"source", "severity"})
	if err := registerer.Register(counter); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = existing.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &reporter{
		log:       p.Log.Named("alert"),
		counter:   counter,
		slackHook: strings.TrimSpace(p.Cfg.SlackHook),
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *reporter) Report(ctx context.Context, a Alert) {
	if a.Severity == "" {
		a.Severity = SeverityError
	}
	if a.Source == "" {
		a.Source = "unknown"
	}

	fields := []zap.Field{
		zap.String("source", a.Source),
		zap.String("severity", string(a.Severity)),
	}
	for _, key := range sortedKeys(a.Fields) {
		fields = append(fields, zap.String(key, a.Fields[key]))
	}
	r.log.Error(a.Message, fields...)
	r.counter.WithLabelValues(a.Source, string(a.Severity)).Inc()

	if r.slackHook == "" {
		return
	}
	// Detached from the request so an acknowledged webhook still alerts.
	go r.postSlack(context.WithoutCancel(ctx), a)
}

type slackPayload struct {
	Text string `json:"text"`
}

func (r *reporter) postSlack(ctx context.Context, a Alert) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := json.Marshal(slackPayload{Text: formatSlack(a)})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.slackHook, bytes.NewReader(body))
	if err != nil {
		r.log.Warn("alert.slack.request_failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("alert.slack.post_failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		r.log.Warn("alert.slack.post_failed", zap.Int("status", resp.StatusCode))
	}
}

func formatSlack(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Source, a.Message)
	for _, key := range sortedKeys(a.Fields) {
		fmt.Fprintf(&b, "\n• %s: %s", key, a.Fields[key])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Report(context.Context, Alert) {}
