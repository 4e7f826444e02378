package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "linkd":
		return linkdTemplate, nil
	case "linkctl":
		return linkctlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// Validate loads path as kind and checks it.
func Validate(kind, path string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "linkd":
		_, err := LoadLinkdConfig(path)
		return err
	case "linkctl":
		_, err := LoadLinkctlConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const linkdTemplate = `node = "linkd"
command_addr = ":7100"
message_addr = ":7101"
file_addr = ":7102"
# host:port handed to clients in BUILD_LINK; empty uses the bound address
advertise_message = ""
advertise_file = ""
http_addr = ":7180"
cors_origins = ["http://localhost:3000"]
temp_dir = ""
# uploaded files are moved here; empty leaves them in temp_dir
file_store = ""
pending_ttl = "2m"
# negative drops a session as soon as its command link is lost
reconnect_grace = "30s"

[accept]
capacity = 3000
rate = 1000

[command]
max_links = 1000
heartbeat_interval = "10s"
idle_timeout = "90s"
bucket_capacity = 2000
bucket_rate = 1000

[message]
max_links = 1000
heartbeat_interval = "10s"
idle_timeout = "300s"
bucket_capacity = 2000
bucket_rate = 1000

[file]
max_links = 1000
heartbeat_interval = "10s"
idle_timeout = "600s"
bucket_capacity = 2000
bucket_rate = 1000

[log]
level = "info"
backlog = 1000
`

const linkctlTemplate = `node = "linkctl"
server_addr = "127.0.0.1:7100"
temp_dir = ""
heartbeat_interval = "5s"
idle_timeout = "30s"
dial_timeout = "5s"
bootstrap_wait = "10s"
pending_ttl = "2m"

[reconnect]
attempts = 5
delay = "4s"

[log]
level = "info"
`
