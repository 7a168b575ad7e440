package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderUnits(t *testing.T) {
	d := UnitData{
		AppID:      "com.acme.myapp",
		Binary:     "/usr/bin/elchi-updater",
		ConfigFile: "/etc/elchi-updater/config.yaml",
		SocketPath: "/run/elchi-updater/com.acme.myapp.sock",
	}

	service, err := Render(SystemdServiceTemplate, d)
	require.NoError(t, err)
	assert.Contains(t, service, "ExecStart=/usr/bin/elchi-updater executor serve --config /etc/elchi-updater/config.yaml\n")
	assert.Contains(t, service, "Requires=elchi-updater-com.acme.myapp.socket")
	assert.Contains(t, service, "Type=notify")

	socket, err := Render(SystemdSocketTemplate, d)
	require.NoError(t, err)
	assert.Contains(t, socket, "ListenStream=/run/elchi-updater/com.acme.myapp.sock")

	d.ConfigFile = ""
	service, err = Render(SystemdServiceTemplate, d)
	require.NoError(t, err)
	assert.Contains(t, service, "ExecStart=/usr/bin/elchi-updater executor serve\n")
}
