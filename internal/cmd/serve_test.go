package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/refguard/internal/config"
	"github.com/dativo-io/refguard/internal/reference"
	"github.com/dativo-io/refguard/internal/router"
	"github.com/dativo-io/refguard/internal/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set(config.KeyDataDir, t.TempDir())
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	return cfg
}

func TestBuildStack(t *testing.T) {
	cfg := testConfig(t)
	st, err := buildStack(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()

	for _, name := range []string{"mailbox.get_messages", "web_access.get_content", "wikipedia.get_page", "image.analyze", "inline.message"} {
		_, ok := st.registry.Get(name)
		assert.True(t, ok, "tool %q should be registered", name)
	}
	assert.Equal(t, "mailbox.get_messages", st.orchestrator.Config().SourceTool)
	assert.True(t, st.orchestrator.Config().SandboxPayloads)
}

func TestBuildStack_RouteTools(t *testing.T) {
	image := reference.Reference{Kind: reference.KindImage, Sanitized: "https://github.com/logo.png"}
	page := reference.Reference{Kind: reference.KindURL, Sanitized: "https://github.com/golang/go"}

	t.Run("default routes", func(t *testing.T) {
		st, err := buildStack(context.Background(), testConfig(t))
		require.NoError(t, err)
		defer st.Close()
		assert.Equal(t, router.ToolImage, st.orchestrator.Router().Route(image).Tool)
	})

	t.Run("built-in tool", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RouteTools = map[string]string{"web": "inline.message"}
		st, err := buildStack(context.Background(), cfg)
		require.NoError(t, err)
		defer st.Close()
		assert.Equal(t, "inline.message", st.orchestrator.Router().Route(page).Tool)
		assert.Equal(t, router.ToolImage, st.orchestrator.Router().Route(image).Tool)
	})

	t.Run("upstream tool", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.UpstreamMCPURL = "http://127.0.0.1:1/mcp"
		cfg.RouteTools = map[string]string{"image": "vision.describe"}
		st, err := buildStack(context.Background(), cfg)
		require.NoError(t, err)
		defer st.Close()
		assert.Equal(t, "vision.describe", st.orchestrator.Router().Route(image).Tool)
	})

	t.Run("unknown tool without upstream", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RouteTools = map[string]string{"image": "vision.describe"}
		_, err := buildStack(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vision.describe")
	})

	t.Run("unknown capability", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RouteTools = map[string]string{"video": "inline.message"}
		_, err := buildStack(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown capability")
	})
}

func TestBuildStack_BadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyPath = "does-not-exist.yaml"
	cfg.PolicyBaseDir = t.TempDir()
	_, err := buildStack(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading policy")
}

func TestServerOptions_WiresRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKeys = map[string]string{"k": "ops"}
	st, err := buildStack(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()

	h := server.NewServer(st.orchestrator, st.engine, serverOptions(cfg, st)...).Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/mailbox/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/mailbox/messages", nil)
	req.Header.Set("X-Refguard-Key", "k")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
