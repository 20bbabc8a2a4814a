package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, "berrynet", cfg.TopicBase)
	require.Equal(t, InferenceModeDetector, cfg.Inference.Mode)
	require.Equal(t, 30, cfg.Camera.StreamFPS)
	require.Equal(t, "data", cfg.Collector.StorageOrDefault().Filesystem.Root)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "snapbus.json")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`{
		"topicBase": "home",
		"inference": {"mode": "classifier"},
		"camera": {"ipcameraSnapshot": "http://cam/snap.jpg"},
		"mail": {"username": "me@example.com"}
	}`), 0644))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SNAPBUS_LINE_CHANNEL_ACCESS_TOKEN=secret-token\n"), 0644))
	t.Setenv("SNAPBUS_LINE_CHANNEL_ACCESS_TOKEN", "")
	os.Unsetenv("SNAPBUS_LINE_CHANNEL_ACCESS_TOKEN")
	t.Setenv("SNAPBUS_GCS_BUCKET", "my-bucket")

	cfg, err := Load(cfgFile, envFile)
	require.NoError(t, err)
	require.Equal(t, "home", cfg.TopicBase)
	require.Equal(t, InferenceModeClassifier, cfg.Inference.Mode)
	// Unset fields of a partially specified section keep their defaults
	require.Equal(t, EngineFiles, cfg.Inference.Engine)
	require.Equal(t, "http://cam/snap.jpg", cfg.Camera.IPCameraSnapshot)
	require.Equal(t, "secret-token", cfg.LINE.ChannelAccessToken)
	require.Equal(t, "my-bucket", cfg.Collector.StorageOrDefault().GCS.Bucket)
	require.Equal(t, "me@example.com", cfg.Mail.From)
}

func TestMissingEnvFileIsOK(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "nope.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Inference.Mode = "segmenter"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Inference.Engine = "grpc"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Camera.StreamFPS = 0
	require.Error(t, cfg.Validate())
}
