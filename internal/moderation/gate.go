package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/strike"
)

var moderationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "an_moderation_duration_seconds",
	Help:    "Длительность модерации заявки.",
	Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"outcome"})

// Ошибки модерации.
var (
	// ErrModerationTimeout — классификатор не уложился в таймаут
	ErrModerationTimeout = errors.New("превышено время модерации")
	// ErrInvalidVerdict — классификатор вернул некорректный вердикт
	ErrInvalidVerdict = errors.New("некорректный вердикт модерации")
	// ErrStrikeNotRecorded — отказ не удалось зарегистрировать в журнале нарушений
	ErrStrikeNotRecorded = errors.New("не удалось зарегистрировать нарушение")
)

// Gate — шлюз модерации.
type Gate struct {
	classifier Classifier
	ledger     strike.Ledger
	timeout    time.Duration
	logger     *slog.Logger
}

// NewGate создаёт шлюз модерации.
// timeout — ограничение времени одной проверки (0 — без ограничения).
func NewGate(classifier Classifier, ledger strike.Ledger, timeout time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		classifier: classifier,
		ledger:     ledger,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "moderation_gate")),
	}
}

// Evaluate возвращает вердикт по заявке. Журнал нарушений не изменяется.
// При превышении таймаута возвращает ErrModerationTimeout,
// при отмене контекста вызывающим — ctx.Err().
func (g *Gate) Evaluate(ctx context.Context, body string, files []model.ValidatedFile) (model.ModerationVerdict, error) {
	start := time.Now()

	evalCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		verdict model.ModerationVerdict
		err     error
	}
	// Классификатор может не учитывать контекст, поэтому ожидание ограничено отдельно
	done := make(chan result, 1)
	go func() {
		v, err := g.classifier.Classify(evalCtx, body, files)
		done <- result{verdict: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-evalCtx.Done():
		res.err = evalCtx.Err()
	}

	if res.err != nil {
		if ctx.Err() != nil {
			moderationDuration.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
			return model.ModerationVerdict{}, ctx.Err()
		}
		if errors.Is(res.err, context.DeadlineExceeded) || evalCtx.Err() != nil {
			moderationDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			g.logger.Warn("Превышено время модерации",
				slog.String("classifier", g.classifier.Name()),
				slog.Duration("timeout", g.timeout),
			)
			return model.ModerationVerdict{}, ErrModerationTimeout
		}
		moderationDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return model.ModerationVerdict{}, res.err
	}

	if err := checkVerdict(res.verdict, files); err != nil {
		moderationDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return model.ModerationVerdict{}, err
	}

	moderationDuration.WithLabelValues(string(res.verdict.Outcome)).Observe(time.Since(start).Seconds())
	return res.verdict, nil
}

// Judge выполняет Evaluate и при отказе регистрирует ровно одно нарушение.
// Нарушение регистрируется даже если клиент отключился после вынесения вердикта.
func (g *Gate) Judge(ctx context.Context, userID, body string, files []model.ValidatedFile) (model.ModerationVerdict, *model.StrikeState, error) {
	verdict, err := g.Evaluate(ctx, body, files)
	if err != nil {
		return model.ModerationVerdict{}, nil, err
	}
	if verdict.Outcome != model.Rejected {
		return verdict, nil, nil
	}

	state, err := g.ledger.RecordViolation(context.WithoutCancel(ctx), userID, verdict.ReasonCode)
	if err != nil {
		g.logger.Error("Не удалось зарегистрировать нарушение",
			slog.String("user_id", userID),
			slog.String("reason", verdict.ReasonCode),
			slog.String("error", err.Error()),
		)
		return verdict, nil, fmt.Errorf("%w: %w", ErrStrikeNotRecorded, err)
	}

	g.logger.Info("Заявка отклонена модерацией",
		slog.String("user_id", userID),
		slog.String("reason", verdict.ReasonCode),
		slog.Int("strike_count", state.StrikeCount),
	)
	return verdict, state, nil
}

// checkVerdict проверяет вердикт классификатора.
// Индексы вложений должны ссылаться на файлы заявки.
func checkVerdict(v model.ModerationVerdict, files []model.ValidatedFile) error {
	switch v.Outcome {
	case model.Approved:
		return nil
	case model.Rejected:
		if v.ReasonCode == "" {
			return fmt.Errorf("%w: отказ без кода причины", ErrInvalidVerdict)
		}
		known := make(map[int]struct{}, len(files))
		for _, f := range files {
			known[f.Index] = struct{}{}
		}
		for _, idx := range v.ViolatingAttachmentIndices {
			if _, ok := known[idx]; !ok {
				return fmt.Errorf("%w: индекс вложения %d вне заявки", ErrInvalidVerdict, idx)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: неизвестный результат %q", ErrInvalidVerdict, v.Outcome)
	}
}
