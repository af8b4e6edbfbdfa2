package service

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/pdf_translator/internal/secret"
)

func TestConfigService_UpdateAndGet(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.mustUser(t, "alice")

	got, err := env.Config.Update(ctx, u.ID, map[string]any{
		"service_type": "openai",
		"threads":      4.0,
		"watermark":    false,
		"proxy":        nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", got["service_type"])

	read, err := env.Config.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.0, read["threads"])
	assert.Contains(t, read, "proxy")

	_, err = env.Config.Update(ctx, u.ID, map[string]any{"nested": map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrInvalidFormat)
	_, err = env.Config.Update(ctx, u.ID, map[string]any{"list": []any{1, 2}})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	read, err = env.Config.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "openai", read["service_type"], "failed update writes nothing")

	mirror, err := os.ReadFile(filepath.Join(env.Config.MirrorDir, u.ID, "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(mirror), `"service_type":"openai"`)
}

func TestConfigService_GetUnsetIsEmpty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	got, err := env.Config.Get(context.Background(), "no-such-owner")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got)
}

func TestConfigService_UpdateService(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.mustUser(t, "alice")

	_, err := env.Config.Update(ctx, u.ID, map[string]any{"openai_api_key": "sk-1", "output_mode": "dual"})
	require.NoError(t, err)

	_, err = env.Config.UpdateService(ctx, u.ID, map[string]any{"openai_model": "gpt-4o"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.Config.UpdateService(ctx, u.ID, map[string]any{"service_type": "babelfish"})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := env.Config.UpdateService(ctx, u.ID, map[string]any{"service_type": "openai", "openai_model": "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai", got["service_type"])
	assert.Equal(t, "gpt-4o", got["openai_model"])
	assert.Equal(t, "dual", got["output_mode"], "other keys are kept")
	assert.Equal(t, "sk-1", got["openai_api_key"])
}

func TestConfigService_ExportImport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.mustUser(t, "alice")

	_, err := env.Config.Update(ctx, u.ID, map[string]any{"service_type": "deepl", "rate_limit": 5.0})
	require.NoError(t, err)

	exp, err := env.Config.Export(ctx, u.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "pdf_translator_config_alice.json", exp.Filename)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(exp.Body, &decoded))
	assert.Equal(t, "deepl", decoded["service_type"])

	yexp, err := env.Config.Export(ctx, u.ID, "alice", FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "pdf_translator_config_alice.yaml", yexp.Filename)
	assert.Contains(t, string(yexp.Body), "service_type: deepl")

	_, err = env.Config.Export(ctx, u.ID, "alice", "xml")
	assert.ErrorIs(t, err, ErrValidation)

	wrapped, _ := json.Marshal(map[string]string{"config_json": `{"service_type":"gemini"}`})
	got, err := env.Config.Import(ctx, u.ID, wrapped, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"service_type": "gemini"}, got)

	got, err = env.Config.Import(ctx, u.ID, []byte("service_type: ollama\nthreads: 2\n"), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "ollama", got["service_type"])

	for _, bad := range [][]byte{
		[]byte(`[1,2]`),
		[]byte(`{"a":{"b":1}}`),
		[]byte(`{"config_json": 5}`),
		[]byte(`{"config_json": "not json"}`),
		[]byte(`not json at all`),
	} {
		_, err := env.Config.Import(ctx, u.ID, bad, FormatJSON)
		assert.ErrorIs(t, err, ErrInvalidFormat, string(bad))
	}
	_, err = env.Config.Import(ctx, u.ID, []byte("- a\n- b\n"), FormatYAML)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	read, err := env.Config.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "ollama", read["service_type"], "invalid imports write nothing")
}

func TestConfigService_SealsAPIKeys(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.mustUser(t, "alice")

	sealer, err := secret.New(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	env.Config.Sealer = sealer

	_, err = env.Config.Update(ctx, u.ID, map[string]any{"openai_api_key": "sk-secret", "openai_model": "gpt-4o"})
	require.NoError(t, err)

	row, err := env.Repo.GetConfig(ctx, u.ID)
	require.NoError(t, err)
	assert.NotContains(t, row.Data, "sk-secret")
	assert.Contains(t, row.Data, secret.Prefix)

	got, err := env.Config.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", got["openai_api_key"])

	eff, err := env.Config.EffectiveSettings(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", eff["openai_api_key"])
	assert.Equal(t, "siliconflow_free", eff["service_type"])
}

func TestConfigService_PrefixedPlainValues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.mustUser(t, "alice")

	sealer, err := secret.New(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	env.Config.Sealer = sealer

	_, err = env.Config.Update(ctx, u.ID, map[string]any{"note": "enc:hello", "openai_api_key": "enc:abc"})
	require.NoError(t, err)

	got, err := env.Config.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc:hello", got["note"])
	assert.Equal(t, "enc:abc", got["openai_api_key"])

	_, err = env.Config.UpdateService(ctx, u.ID, map[string]any{"service_type": "openai"})
	require.NoError(t, err)

	eff, err := env.Config.EffectiveSettings(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc:hello", eff["note"])
	assert.Equal(t, "enc:abc", eff["openai_api_key"])

	exp, err := env.Config.Export(ctx, u.ID, "alice", FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(exp.Body), `"enc:hello"`)
}

func TestConfigService_PlainStoredBeforeKeyConfigured(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.mustUser(t, "alice")

	_, err := env.Config.Update(ctx, u.ID, map[string]any{"deepl_api_key": "enc:typed-by-hand"})
	require.NoError(t, err)

	sealer, err := secret.New(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	env.Config.Sealer = sealer

	got, err := env.Config.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc:typed-by-hand", got["deepl_api_key"])
}
