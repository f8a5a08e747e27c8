package reasoner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/telemetry"
	"github.com/loamlabs/loam/internal/types"
)

const initialBackoff = 1 * time.Second

// errAPIKeyRequired is returned when no Anthropic API key is available.
var errAPIKeyRequired = errors.New("API key required")

// Anthropic calls the Anthropic messages API with retry and telemetry.
type Anthropic struct {
	client         anthropic.Client
	model          anthropic.Model
	maxTokens      int
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropic creates the production reasoner. ANTHROPIC_API_KEY takes
// precedence over any key provided through configuration.
func NewAnthropic(cfg config.Reasoner, apiKey string) (*Anthropic, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide a key via config", errAPIKeyRequired)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	reasonerMetricsOnce.Do(initReasonerMetrics)

	return &Anthropic{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(cfg.Model),
		maxTokens:      maxTokens,
		timeout:        cfg.Timeout,
		maxRetries:     retries,
		initialBackoff: initialBackoff,
	}, nil
}

// reasonerMetrics holds lazily-initialized OTel instruments for model calls.
var reasonerMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var reasonerMetricsOnce sync.Once

func initReasonerMetrics() {
	m := telemetry.Meter("github.com/loamlabs/loam/reasoner")
	reasonerMetrics.inputTokens, _ = m.Int64Counter("loam.reasoner.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	reasonerMetrics.outputTokens, _ = m.Int64Counter("loam.reasoner.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	reasonerMetrics.duration, _ = m.Float64Histogram("loam.reasoner.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// Generate calls the messages API, retrying transient failures with
// exponential backoff. Failures after the retry budget map onto the
// transient error class so the work queue applies its own policy.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	tracer := telemetry.Tracer("github.com/loamlabs/loam/reasoner")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("loam.reasoner.model", string(a.model)))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
			}
		}

		t0 := time.Now()
		message, err := a.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("loam.reasoner.model", string(a.model))
			if reasonerMetrics.inputTokens != nil {
				reasonerMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				reasonerMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				reasonerMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("loam.reasoner.input_tokens", message.Usage.InputTokens),
				attribute.Int64("loam.reasoner.output_tokens", message.Usage.OutputTokens),
				attribute.Int("loam.reasoner.attempts", attempt+1),
			)
			return buildResponse(message, string(a.model))
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: anthropic: %v", types.ErrFatal, err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("%w: anthropic failed after %d attempts: %v", types.ErrTransient, a.maxRetries+1, lastErr)
}

func buildResponse(message *anthropic.Message, model string) (*Response, error) {
	if len(message.Content) == 0 {
		return nil, fmt.Errorf("%w: anthropic returned no content blocks", types.ErrTransient)
	}
	content := message.Content[0]
	if content.Type != "text" {
		return nil, fmt.Errorf("%w: anthropic returned non-text block (type=%s)", types.ErrFatal, content.Type)
	}
	return &Response{
		Text:         content.Text,
		Model:        model,
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
