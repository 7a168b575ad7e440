package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/cmdrunner"
	"github.com/CloudNativeWorks/elchi-updater/internal/config"
	"github.com/CloudNativeWorks/elchi-updater/internal/state"
	"github.com/CloudNativeWorks/elchi-updater/internal/trust"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

func TestPrintView(t *testing.T) {
	c := catalog.Candidate{
		Release: catalog.Release{Version: semver.MustParse("1.3.0"), Tag: "v1.3.0"},
		Asset:   catalog.Asset{Name: "MyApp-1.3.0.zip", DownloadURL: "https://example.invalid/MyApp-1.3.0.zip"},
	}
	view := newCandidateView("1.2.0", c)

	var text bytes.Buffer
	require.NoError(t, printView(&text, "text", view))
	assert.Equal(t, "update available: 1.2.0 -> 1.3.0 (MyApp-1.3.0.zip)\n", text.String())

	var out bytes.Buffer
	require.NoError(t, printView(&out, "yaml", view))
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "1.3.0", decoded["version"])
	assert.Equal(t, true, decoded["available"])

	out.Reset()
	require.NoError(t, printView(&out, "json", candidateView{Current: "1.3.0", Reason: "already up to date"}))
	assert.Contains(t, out.String(), `"available": false`)
	assert.Contains(t, out.String(), `"reason": "already up to date"`)
}

func TestProgressPrinterCoalesces(t *testing.T) {
	var out bytes.Buffer
	p := progressPrinter(&out)
	for _, f := range []float64{0, 0.01, 0.02, 0.15, 0.16, 1} {
		p(state.Downloading{Fraction: f})
	}
	assert.Equal(t, 3, strings.Count(out.String(), "downloading"))
}

type recordingRunner struct {
	calls  [][]string
	active string
}

func (r *recordingRunner) Run(_ context.Context, cmd string, args ...string) error {
	r.calls = append(r.calls, append([]string{cmd}, args...))
	return nil
}

func (r *recordingRunner) RunAndTrimmedOutput(ctx context.Context, cmd string, args ...string) (string, error) {
	return r.active, r.Run(ctx, cmd, args...)
}

func (r *recordingRunner) Start(cmdrunner.Spec) (int, error) {
	return 0, nil
}

func TestRegisterExecutorWritesUnits(t *testing.T) {
	prevCfg, prevDir, prevBinary, prevFile, prevNoStart := Cfg, unitDir, unitBinary, cfgFile, unitNoStart
	t.Cleanup(func() {
		Cfg, unitDir, unitBinary, cfgFile, unitNoStart = prevCfg, prevDir, prevBinary, prevFile, prevNoStart
	})

	Cfg = config.DefaultConfig()
	Cfg.App.ID = "com.acme.myapp"
	unitDir = t.TempDir()
	unitBinary = "/usr/bin/elchi-updater"
	cfgFile = ""
	unitNoStart = false

	runner := &recordingRunner{active: "active"}
	require.NoError(t, registerExecutor(context.Background(), runner, logger.Discard()))

	service, err := os.ReadFile(filepath.Join(unitDir, "elchi-updater-com.acme.myapp.service"))
	require.NoError(t, err)
	assert.Contains(t, string(service), "ExecStart=/usr/bin/elchi-updater executor serve")

	socket, err := os.ReadFile(filepath.Join(unitDir, "elchi-updater-com.acme.myapp.socket"))
	require.NoError(t, err)
	assert.Contains(t, string(socket), "ListenStream=/run/elchi-updater/com.acme.myapp.sock")

	assert.Equal(t, [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "--now", "elchi-updater-com.acme.myapp.socket"},
		{"systemctl", "is-active", "elchi-updater-com.acme.myapp.socket"},
	}, runner.calls)

	runner = &recordingRunner{active: "failed"}
	err = registerExecutor(context.Background(), runner, logger.Discard())
	assert.ErrorContains(t, err, "elchi-updater-com.acme.myapp.socket is failed")
}

func TestRenderUnitsRequiresAppID(t *testing.T) {
	prev := Cfg
	t.Cleanup(func() { Cfg = prev })

	Cfg = config.DefaultConfig()
	_, _, err := renderUnits()
	assert.ErrorContains(t, err, "app.id")
}

func TestLoadOrCreateSignerReusesKey(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")

	first, err := loadOrCreateSigner(certFile, keyFile, "Org-A")
	require.NoError(t, err)
	second, err := loadOrCreateSigner(certFile, keyFile, "ignored")
	require.NoError(t, err)
	assert.Equal(t, trust.KeyFingerprint(first.Cert), trust.KeyFingerprint(second.Cert))

	_, err = loadOrCreateSigner(certFile, "", "Org-A")
	assert.Error(t, err)
}
