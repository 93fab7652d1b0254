package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gfx.cafe/util/go/gotel"
	"github.com/caddyserver/caddy/v2"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type TracingConfig struct {
	ServiceName      string         `json:"service_name,omitempty"`
	ServiceNamespace string         `json:"service_namespace,omitempty"`
	Endpoint         string         `json:"endpoint,omitempty"`
	BatchTimeout     caddy.Duration `json:"batch_timeout,omitempty"`
	SampleRate       string         `json:"sample_rate,omitempty"`
}

type tracing struct {
	provider trace.TracerProvider
	shutdown gotel.ShutdownFunc
}

func newTracing(ctx caddy.Context, config TracingConfig) (*tracing, error) {
	if config.ServiceName == "" {
		config.ServiceName = "txpool"
	}
	if config.ServiceNamespace == "" {
		config.ServiceNamespace = "gfx.cafe/gfx"
	}

	options := []gotel.Option{
		gotel.WithServiceName(config.ServiceName),
		gotel.WithServiceNamespace(config.ServiceNamespace),
	}
	if config.BatchTimeout > 0 {
		options = append(options, gotel.WithBatchTimeout(time.Duration(config.BatchTimeout)))
	}
	if config.Endpoint != "" {
		options = append(options, gotel.WithEndpoint(config.Endpoint))
	}
	if config.SampleRate != "" {
		sampler, err := parseSampler(config.SampleRate)
		if err != nil {
			return nil, err
		}
		options = append(options, gotel.WithSampler(sampler))
	}

	shutdown, err := gotel.InitTracing(ctx.Context, options...)
	if err != nil {
		return nil, err
	}
	return &tracing{
		provider: otel.GetTracerProvider(),
		shutdown: shutdown,
	}, nil
}

// parseSampler accepts never, always, a ratio in [0, 1] or a percentage in (1, 100].
func parseSampler(rate string) (sdktrace.Sampler, error) {
	switch strings.ToLower(rate) {
	case "never", "none", "off":
		return sdktrace.NeverSample(), nil
	case "always", "all", "on":
		return sdktrace.AlwaysSample(), nil
	}

	val, err := strconv.ParseFloat(rate, 64)
	if err != nil {
		return nil, fmt.Errorf("unknown sample rate %q: %w", rate, err)
	}
	if val > 1 {
		val = val / 100
	}
	if val < 0 || val > 1 {
		return nil, fmt.Errorf("sample rate must be between 0 and 1 or a percentage, got %q", rate)
	}
	return sdktrace.TraceIDRatioBased(val), nil
}
