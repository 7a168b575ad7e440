package template

import (
	"bytes"
	"text/template"
)

// UnitData fills the executor unit templates.
type UnitData struct {
	AppID      string
	Binary     string
	ConfigFile string
	SocketPath string
}

// ServiceName returns the unit name shared by the service and its socket.
func (d UnitData) ServiceName() string {
	return "elchi-updater-" + d.AppID
}

var SystemdServiceTemplate = template.Must(template.New("service").Parse(`[Unit]
Description=Elchi Updater privileged executor ({{.AppID}})
Requires={{.ServiceName}}.socket
After={{.ServiceName}}.socket

[Service]
Type=notify
NotifyAccess=main
WatchdogSec=60

ExecStart={{.Binary}} executor serve{{if .ConfigFile}} --config {{.ConfigFile}}{{end}}

NoNewPrivileges=yes
ProtectKernelTunables=yes
ProtectControlGroups=yes

Restart=on-failure
RestartSec=5

SyslogIdentifier={{.ServiceName}}

[Install]
WantedBy=multi-user.target
`))

var SystemdSocketTemplate = template.Must(template.New("socket").Parse(`[Unit]
Description=Elchi Updater executor socket ({{.AppID}})

[Socket]
ListenStream={{.SocketPath}}
SocketMode=0666
DirectoryMode=0755
RemoveOnStop=yes
Accept=no

[Install]
WantedBy=sockets.target
`))

// Render executes t with d.
func Render(t *template.Template, d UnitData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}
