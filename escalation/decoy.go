package escalation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DecoyKind is the flavour of honeypot response served to a sinkholed client.
type DecoyKind string

const (
	DecoyWeb      DecoyKind = "web"
	DecoyAPI      DecoyKind = "api"
	DecoyFile     DecoyKind = "file"
	DecoyRedirect DecoyKind = "redirect"
)

// Decoy is a fake response. Delay is advisory: the HTTP layer waits
// before writing it, the engine never sleeps.
type Decoy struct {
	Kind        DecoyKind     `json:"kind"`
	Delay       time.Duration `json:"delay"`
	Status      int           `json:"status"`
	ContentType string        `json:"content_type,omitempty"`
	Body        string        `json:"body,omitempty"`
	Location    string        `json:"location,omitempty"`
	Session     string        `json:"session"`
}

var redirectPaths = []string{"/loading", "/wait", "/processing", "/queue", "/status", "/check"}

var fileScanSuffixes = []string{
	".env", ".sql", ".bak", ".conf", ".ini", ".zip", ".tar.gz", ".git/config", ".htpasswd",
}

// IsFileScan reports whether path asks for a configuration, backup or
// archive file.
func IsFileScan(path string) bool {
	path, _, _ = strings.Cut(strings.ToLower(path), "?")
	for _, suffix := range fileScanSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// DecoyKindFor picks a decoy from client signals: agents matching a bot
// signature get the api decoy, browsers the web decoy, anything else a
// redirect loop. A file scan path gets a fake file regardless of agent.
func DecoyKindFor(userAgent, path string, agents Agents) DecoyKind {
	if IsFileScan(path) {
		return DecoyFile
	}
	agent := strings.ToLower(userAgent)
	switch {
	case agent == "":
		return DecoyRedirect
	case containsAny(agent, agents.Bots):
		return DecoyAPI
	case containsAny(agent, agents.Browsers):
		return DecoyWeb
	default:
		return DecoyRedirect
	}
}

// DecoyDelay returns a delay within band that depends only on identity.
func DecoyDelay(identity string, band DecoyConfig) time.Duration {
	span := (band.MaxDelay - band.MinDelay).Milliseconds()
	if span <= 0 {
		return band.MinDelay
	}
	offset := xxhash.Sum64String(identity) % uint64(span+1)
	return band.MinDelay + time.Duration(offset)*time.Millisecond
}

func sessionID(identity string) string {
	return strconv.FormatUint(xxhash.Sum64String("session:"+identity), 16)
}

func buildDecoy(kind DecoyKind, identity string, band DecoyConfig) Decoy {
	d := Decoy{
		Kind:    kind,
		Delay:   DecoyDelay(identity, band),
		Status:  http.StatusOK,
		Session: sessionID(identity),
	}

	switch kind {
	case DecoyWeb:
		d.ContentType = "text/html; charset=utf-8"
		d.Body = fmt.Sprintf(maintenancePage, d.Session)
	case DecoyAPI:
		d.ContentType = "application/json"
		body, _ := json.Marshal(map[string]any{
			"status":         "processing",
			"message":        "Request queued for processing",
			"request_id":     uuid.NewString(),
			"estimated_time": 30,
			"next_check":     "/api/status/check",
			"session":        d.Session,
		})
		d.Body = string(body)
	case DecoyFile:
		d.ContentType = "text/plain; charset=utf-8"
		d.Body = fmt.Sprintf(configFile, d.Session)
	default:
		d.Kind = DecoyRedirect
		d.Status = http.StatusFound
		path := redirectPaths[xxhash.Sum64String(identity)%uint64(len(redirectPaths))]
		d.Location = path + "?session=" + d.Session
	}
	return d
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

const maintenancePage = `<!DOCTYPE html>
<html>
<head>
<title>System Maintenance</title>
<style>
body { font-family: Arial, sans-serif; margin: 50px; }
.loading { text-align: center; }
.spinner { border: 4px solid #f3f3f3; border-top: 4px solid #3498db; border-radius: 50%%;
  width: 50px; height: 50px; animation: spin 2s linear infinite; margin: 20px auto; }
@keyframes spin { 0%% { transform: rotate(0deg); } 100%% { transform: rotate(360deg); } }
</style>
</head>
<body>
<div class="loading">
<h2>System Maintenance in Progress</h2>
<div class="spinner"></div>
<p>Please wait while we prepare your content...</p>
<p>Session ID: %s</p>
</div>
</body>
</html>
`

const configFile = `# System Configuration File

[system]
status=maintenance
client_id=%s

[processing]
queue_position=1
estimated_wait=300
retry_after=60

# Please wait for system to complete maintenance
# Do not modify this file
`
