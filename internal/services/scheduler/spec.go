package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// ErrNoSpec is returned when no schedule has been saved yet.
var ErrNoSpec = errors.New("no saved schedule")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func specValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

var fieldMessages = map[string]string{
	"required":    "%s is required",
	"required_if": "%s is required when encryption is enabled",
	"datetime":    "%s must be a 24h time like 02:30",
	"min":         "%s must not be empty",
}

var fieldMessagesWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
}

// ValidateSpec checks a schedule spec and returns one message per problem.
func ValidateSpec(spec models.ScheduleSpec) []string {
	err := specValidator().Struct(spec)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, translate(fe))
	}
	return msgs
}

func translate(fe validator.FieldError) string {
	field := fe.Field()
	if tmpl, ok := fieldMessages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if tmpl, ok := fieldMessagesWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// specError wraps validation messages into a typed error with a checklist.
func specError(msgs []string) error {
	items := make([]models.CheckItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, models.CheckItem{Name: "schedule settings", Detail: m, Remediation: "Correct the schedule settings and save again."})
	}
	return &models.Error{
		Kind:      models.KindScheduleValidationFailed,
		Message:   "invalid schedule: " + strings.Join(msgs, "; "),
		Checklist: items,
	}
}

// SpecStore persists the last saved schedule spec as JSON.
type SpecStore struct {
	path string
	mu   sync.Mutex
}

// NewSpecStore creates a store backed by path.
func NewSpecStore(path string) *SpecStore {
	return &SpecStore{path: path}
}

// Path returns the file location.
func (s *SpecStore) Path() string {
	return s.path
}

// Load reads the saved spec.
func (s *SpecStore) Load() (*models.ScheduleSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSpec
	}
	if err != nil {
		return nil, fmt.Errorf("reading schedule: %w", err)
	}
	var spec models.ScheduleSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return &spec, nil
}

// Save writes spec atomically.
func (s *SpecStore) Save(spec models.ScheduleSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding schedule: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing schedule: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing schedule: %w", err)
	}
	return nil
}

// Delete removes the saved spec; a missing file is not an error.
func (s *SpecStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing schedule: %w", err)
	}
	return nil
}

// ResolveSecret turns a passphrase reference into the secret. Supported
// references are env:NAME and file:/path.
func ResolveSecret(ref string) (string, error) {
	kind, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return "", fmt.Errorf("invalid passphrase reference %q, expected env:NAME or file:/path", ref)
	}

	switch kind {
	case "env":
		secret, set := os.LookupEnv(value)
		if !set || secret == "" {
			return "", fmt.Errorf("environment variable %s is not set", value)
		}
		return secret, nil
	case "file":
		data, err := os.ReadFile(value) //nolint:gosec // path chosen by the user
		if err != nil {
			return "", fmt.Errorf("reading passphrase file: %w", err)
		}
		secret := strings.TrimRight(string(data), "\r\n")
		if secret == "" {
			return "", fmt.Errorf("passphrase file %s is empty", value)
		}
		return secret, nil
	default:
		return "", fmt.Errorf("unsupported passphrase reference %q, expected env:NAME or file:/path", ref)
	}
}
