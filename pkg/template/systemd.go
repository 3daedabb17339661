package template

// SystemdTemplate is the unit file of the agent. Restart=always lets the
// "exit" restart mode come back up on the new image.
var SystemdTemplate = `[Unit]
Description=otad firmware update agent (%s)
Wants=network-online.target
After=network-online.target

[Service]
Type=notify
NotifyAccess=main

WorkingDirectory=%s

ExecStart=%s start --config %s

Restart=always
RestartSec=5

ReadWritePaths=/var/log %s
ReadOnlyPaths=/etc/ssl/certs

SyslogIdentifier=otad

[Install]
WantedBy=multi-user.target
`
