package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/Skotchmaster/pdf_translator/internal/engine"
	"github.com/Skotchmaster/pdf_translator/internal/keylock"
	"github.com/Skotchmaster/pdf_translator/internal/repo"
	"github.com/Skotchmaster/pdf_translator/internal/secret"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"

	secretSuffix = "_api_key"
)

type ConfigService struct {
	Repo   *repo.GormRepo
	Sealer *secret.Sealer
	// MirrorDir receives {owner}/settings.json after each write; empty disables it.
	MirrorDir string

	locks *keylock.Map
}

func NewConfigService(r *repo.GormRepo, sealer *secret.Sealer, mirrorDir string) *ConfigService {
	return &ConfigService{Repo: r, Sealer: sealer, MirrorDir: mirrorDir, locks: keylock.New()}
}

type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Get returns the stored mapping with secrets opened, or {} when unset.
func (s *ConfigService) Get(ctx context.Context, ownerID string) (map[string]any, error) {
	stored, err := s.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, stored), nil
}

// Update replaces the whole mapping.
func (s *ConfigService) Update(ctx context.Context, ownerID string, m map[string]any) (map[string]any, error) {
	clean, err := normalize(m)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(ownerID)
	defer unlock()
	return s.save(ctx, ownerID, clean)
}

// UpdateService switches the active translation service and merges the
// remaining keys of the patch over the stored mapping.
func (s *ConfigService) UpdateService(ctx context.Context, ownerID string, patch map[string]any) (map[string]any, error) {
	clean, err := normalize(patch)
	if err != nil {
		return nil, err
	}
	st, _ := clean["service_type"].(string)
	if st == "" {
		return nil, fmt.Errorf("%w: service_type is required", ErrValidation)
	}
	if !engine.ValidServiceType(st) {
		return nil, fmt.Errorf("%w: service_type must be one of %s", ErrValidation, strings.Join(engine.ServiceTypes, ", "))
	}

	unlock := s.locks.Lock(ownerID)
	defer unlock()

	stored, err := s.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	current := s.open(ctx, stored)
	for k, v := range clean {
		current[k] = v
	}
	return s.save(ctx, ownerID, current)
}

func (s *ConfigService) Export(ctx context.Context, ownerID, username, format string) (*Export, error) {
	m, err := s.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var (
		body []byte
		ct   string
	)
	switch format {
	case "", FormatJSON:
		format = FormatJSON
		ct = "application/json"
		body, err = json.MarshalIndent(m, "", "  ")
	case FormatYAML, "yml":
		format = FormatYAML
		ct = "application/yaml"
		body, err = yaml.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: format must be json or yaml", ErrValidation)
	}
	if err != nil {
		return nil, err
	}
	return &Export{
		Filename:    fmt.Sprintf("pdf_translator_config_%s.%s", username, format),
		ContentType: ct,
		Body:        body,
	}, nil
}

// Import accepts {"config_json": "<json text>"}, a raw JSON object or a
// YAML mapping and replaces the stored mapping. Nothing is written unless
// the whole document is valid.
func (s *ConfigService) Import(ctx context.Context, ownerID string, doc []byte, format string) (map[string]any, error) {
	m, err := parseDocument(doc, format)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, ownerID, m)
}

// EffectiveSettings is what the engine gets for this owner's jobs.
func (s *ConfigService) EffectiveSettings(ctx context.Context, ownerID string) (map[string]any, error) {
	m, err := s.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return engine.Effective(m), nil
}

func (s *ConfigService) load(ctx context.Context, ownerID string) (map[string]any, error) {
	row, err := s.Repo.GetConfig(ctx, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	m := map[string]any{}
	if strings.TrimSpace(row.Data) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(row.Data), &m); err != nil {
		return nil, fmt.Errorf("decode stored config: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func (s *ConfigService) save(ctx context.Context, ownerID string, plain map[string]any) (map[string]any, error) {
	sealed, err := s.seal(plain)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.SaveConfig(ctx, ownerID, string(data)); err != nil {
		return nil, err
	}
	if err := s.mirror(ownerID, data); err != nil {
		logging.FromContext(ctx).With("svc", "config").Warn("config_mirror_failed", "owner_id", ownerID, "error", err)
	}
	return plain, nil
}

func (s *ConfigService) seal(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && isSecretKey(k) && str != "" {
			sealed, err := s.Sealer.Seal(str)
			if err != nil {
				return nil, fmt.Errorf("seal %s: %w", k, err)
			}
			v = sealed
		}
		out[k] = v
	}
	return out, nil
}

// open decrypts secret keys only. Values stored while no key was configured
// are plaintext even when they look sealed, so a failed open keeps the value.
func (s *ConfigService) open(ctx context.Context, m map[string]any) map[string]any {
	if s.Sealer == nil {
		return m
	}
	for k, v := range m {
		str, ok := v.(string)
		if !ok || !isSecretKey(k) || !secret.IsSealed(str) {
			continue
		}
		plain, err := s.Sealer.Open(str)
		if err != nil {
			logging.FromContext(ctx).With("svc", "config").Warn("config_open_failed", "key", k, "error", err)
			continue
		}
		m[k] = plain
	}
	return m
}

func (s *ConfigService) mirror(ownerID string, data []byte) error {
	if s.MirrorDir == "" {
		return nil
	}
	dir := filepath.Join(s.MirrorDir, filepath.Base(ownerID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "settings-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, "settings.json"))
}

func isSecretKey(k string) bool {
	return strings.HasSuffix(strings.ToLower(k), secretSuffix)
}

func parseDocument(doc []byte, format string) (map[string]any, error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidFormat)
	}

	var m map[string]any
	if format == FormatYAML {
		if err := yaml.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	} else {
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("%w: config must be a JSON object: %v", ErrInvalidFormat, err)
		}
		if inner, ok := m["config_json"]; ok && len(m) == 1 {
			text, isStr := inner.(string)
			if !isStr {
				return nil, fmt.Errorf("%w: config_json must be a string", ErrInvalidFormat)
			}
			m = nil
			if err := json.Unmarshal([]byte(text), &m); err != nil {
				return nil, fmt.Errorf("%w: config_json is not a JSON object: %v", ErrInvalidFormat, err)
			}
		}
	}
	if m == nil {
		return nil, fmt.Errorf("%w: document must be a mapping", ErrInvalidFormat)
	}
	return m, nil
}

// normalize checks that every value is a scalar and returns a copy with
// numbers and timestamps in JSON-friendly form.
func normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: config must be an object", ErrInvalidFormat)
	}
	out := make(map[string]any, len(m))
	var bad []string
	for k, v := range m {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidFormat)
		}
		nv, ok := scalar(v)
		if !ok {
			bad = append(bad, k)
			continue
		}
		out[k] = nv
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("%w: values must be scalars (string, number, bool, null): %s", ErrInvalidFormat, strings.Join(bad, ", "))
	}
	return out, nil
}

func scalar(v any) (any, bool) {
	switch x := v.(type) {
	case nil, string, bool:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, false
		}
		return x, true
	case float32:
		return float64(x), true
	case int:
		return x, true
	case int64:
		return x, true
	case uint64:
		return x, true
	case json.Number:
		return x, true
	case time.Time:
		return x.UTC().Format(time.RFC3339), true
	default:
		return nil, false
	}
}
