package moderation

import (
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/answer-module/internal/config"
)

// ClassifierFromConfig собирает цепочку классификаторов:
// правила (встроенные или из AN_MODERATION_RULES), затем внешний
// классификатор, если задан AN_MODERATION_URL.
func ClassifierFromConfig(cfg *config.Config, logger *slog.Logger) (Classifier, error) {
	var (
		rules *Rules
		err   error
	)
	if cfg.ModerationRulesPath != "" {
		rules, err = LoadRules(cfg.ModerationRulesPath)
	} else {
		rules, err = DefaultRules()
	}
	if err != nil {
		return nil, err
	}

	rc, err := NewRuleClassifier(rules)
	if err != nil {
		return nil, fmt.Errorf("компиляция правил модерации: %w", err)
	}

	classifiers := []Classifier{rc}
	if cfg.ModerationURL != "" {
		classifiers = append(classifiers, NewHTTPClassifier(cfg.ModerationURL, nil, logger))
		logger.Info("Подключён внешний классификатор",
			slog.String("url", cfg.ModerationURL),
		)
	}

	return Chain(classifiers...), nil
}
