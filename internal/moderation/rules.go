package moderation

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rules — набор правил модерации (формат YAML-файла).
type Rules struct {
	Profanity struct {
		Words []string `yaml:"words"`
		Stems []string `yaml:"stems"`
	} `yaml:"profanity"`
	Spam struct {
		MaxLinks int      `yaml:"max_links"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"spam"`
	PersonalData struct {
		Patterns []PersonalDataPattern `yaml:"patterns"`
	} `yaml:"personal_data"`
	Attachments struct {
		MaxNameLength        int                 `yaml:"max_name_length"`
		ExecutableExtensions []string            `yaml:"executable_extensions"`
		MIMEFamilies         map[string][]string `yaml:"mime_families"`
	} `yaml:"attachments"`
}

// PersonalDataPattern — шаблон персональных данных.
type PersonalDataPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	// Luhn — дополнительно проверять контрольную сумму (номера карт)
	Luhn bool `yaml:"luhn"`
}

// DefaultRules возвращает встроенный набор правил.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules читает набор правил из файла.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path) //nolint:gosec // путь из конфигурации
	if err != nil {
		return nil, fmt.Errorf("чтение правил модерации %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules разбирает YAML с правилами.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("разбор правил модерации: %w", err)
	}
	return &r, nil
}

type piiMatcher struct {
	name string
	re   *regexp.Regexp
	luhn bool
}

// RuleClassifier — классификатор на правилах: ненормативная лексика,
// спам, персональные данные и подозрительные вложения.
// Проверки выполняются в этом порядке, побеждает первое срабатывание.
type RuleClassifier struct {
	words       map[string]struct{}
	stems       []string
	spam        []*regexp.Regexp
	maxLinks    int
	pii         []piiMatcher
	maxNameLen  int
	executables map[string]struct{}
	families    map[string][]string
}

var linkRe = regexp.MustCompile(`(?i)\bhttps?://`)

// NewRuleClassifier компилирует набор правил.
func NewRuleClassifier(r *Rules) (*RuleClassifier, error) {
	c := &RuleClassifier{
		words:       make(map[string]struct{}, len(r.Profanity.Words)),
		maxLinks:    r.Spam.MaxLinks,
		maxNameLen:  r.Attachments.MaxNameLength,
		executables: make(map[string]struct{}, len(r.Attachments.ExecutableExtensions)),
		families:    make(map[string][]string, len(r.Attachments.MIMEFamilies)),
	}

	for _, w := range r.Profanity.Words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			c.words[w] = struct{}{}
		}
	}
	for _, s := range r.Profanity.Stems {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			c.stems = append(c.stems, s)
		}
	}

	for _, p := range r.Spam.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("шаблон спама %q: %w", p, err)
		}
		c.spam = append(c.spam, re)
	}

	for _, p := range r.PersonalData.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("шаблон персональных данных %q: %w", p.Name, err)
		}
		c.pii = append(c.pii, piiMatcher{name: p.Name, re: re, luhn: p.Luhn})
	}

	for _, ext := range r.Attachments.ExecutableExtensions {
		c.executables[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	for ext, prefixes := range r.Attachments.MIMEFamilies {
		lowered := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			lowered = append(lowered, strings.ToLower(p))
		}
		c.families[strings.ToLower(ext)] = lowered
	}

	return c, nil
}

// Name возвращает имя классификатора.
func (c *RuleClassifier) Name() string { return "rules" }

// Classify проверяет текст и вложения.
func (c *RuleClassifier) Classify(_ context.Context, body string, files []model.ValidatedFile) (model.ModerationVerdict, error) {
	if c.hasProfanity(body) {
		return model.Reject(model.ReasonProfaneContent), nil
	}
	if c.isSpam(body) {
		return model.Reject(model.ReasonSpamPattern), nil
	}
	if c.hasPersonalData(body) {
		return model.Reject(model.ReasonPersonalData), nil
	}

	var suspicious []int
	for _, f := range files {
		if c.suspiciousFile(f) {
			suspicious = append(suspicious, f.Index)
		}
	}
	if len(suspicious) > 0 {
		return model.Reject(model.ReasonSuspiciousAttachment, suspicious...), nil
	}

	return model.Approve(), nil
}

func (c *RuleClassifier) hasProfanity(body string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(body), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if _, ok := c.words[tok]; ok {
			return true
		}
		for _, stem := range c.stems {
			if strings.HasPrefix(tok, stem) {
				return true
			}
		}
	}
	return false
}

func (c *RuleClassifier) isSpam(body string) bool {
	if c.maxLinks > 0 && len(linkRe.FindAllStringIndex(body, -1)) > c.maxLinks {
		return true
	}
	for _, re := range c.spam {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

func (c *RuleClassifier) hasPersonalData(body string) bool {
	for _, m := range c.pii {
		for _, match := range m.re.FindAllString(body, -1) {
			if !m.luhn || luhnValid(match) {
				return true
			}
		}
	}
	return false
}

// suspiciousFile проверяет имя файла и соответствие расширения MIME-типу.
func (c *RuleClassifier) suspiciousFile(f model.ValidatedFile) bool {
	name := f.OriginalName

	if c.maxNameLen > 0 && len([]rune(name)) > c.maxNameLen {
		return true
	}
	if strings.ContainsAny(name, `/\`) {
		return true
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return true
		}
	}

	// Двойное расширение: report.exe.pdf
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if inner := strings.ToLower(strings.TrimPrefix(filepath.Ext(stem), ".")); inner != "" {
		if _, ok := c.executables[inner]; ok {
			return true
		}
	}

	prefixes, ok := c.families[f.Extension]
	if !ok || f.MIMEType == "" || f.MIMEType == "application/octet-stream" {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(f.MIMEType, p) {
			return false
		}
	}
	return true
}

// luhnValid проверяет контрольную сумму по алгоритму Луна.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
