// Package devops holds static checks for the deployment files at the repo
// root. The tests parse docker-compose.yml and the SearxNG settings without
// requiring Docker.
package devops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yaml "gopkg.in/yaml.v3"
)

func loadCompose(t *testing.T) map[string]any {
	t.Helper()
	root := findRepoRoot(t)
	b, err := os.ReadFile(filepath.Join(root, "docker-compose.yml"))
	if err != nil {
		t.Fatalf("read compose: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		t.Fatalf("yaml unmarshal: %v", err)
	}
	return doc
}

func service(t *testing.T, doc map[string]any, name string) map[string]any {
	t.Helper()
	services, ok := doc["services"].(map[string]any)
	if !ok {
		t.Fatalf("services missing or wrong type")
	}
	svc, ok := services[name].(map[string]any)
	if !ok {
		t.Fatalf("%s service missing", name)
	}
	return svc
}

// TestComposePelagosdService verifies the daemon service: healthcheck on
// /health, a healthy-searxng dependency, the searxng URL in its
// environment, and the data volume for the SQLite database.
func TestComposePelagosdService(t *testing.T) {
	doc := loadCompose(t)
	daemon := service(t, doc, "pelagosd")

	hc, ok := daemon["healthcheck"].(map[string]any)
	if !ok {
		t.Fatalf("pelagosd healthcheck missing")
	}
	testCmd, ok := hc["test"].([]any)
	if !ok || !anyStringContains(testCmd, "/health") {
		t.Fatalf("pelagosd healthcheck must probe /health; test=%v", hc["test"])
	}

	dep, ok := daemon["depends_on"].(map[string]any)
	if !ok {
		t.Fatalf("pelagosd.depends_on missing or wrong type")
	}
	searxDep, ok := dep["searxng"].(map[string]any)
	if !ok {
		t.Fatalf("pelagosd.depends_on.searxng missing")
	}
	if cond, _ := searxDep["condition"].(string); cond != "service_healthy" {
		t.Fatalf("pelagosd should depend on searxng service_healthy, got %q", cond)
	}

	env, _ := daemon["environment"].([]any)
	if !hasEnv(env, "SEARX_URL") {
		t.Fatalf("pelagosd environment must set SEARX_URL; env=%v", env)
	}
	if !anyStringContains(env, "http://searxng:") {
		t.Fatalf("SEARX_URL should target the searxng service; env=%v", env)
	}

	vols, _ := daemon["volumes"].([]any)
	if !anyStringContains(vols, ":/data") {
		t.Fatalf("pelagosd should mount a data volume at /data; volumes=%v", vols)
	}
	if !anyStringContains(vols, ":/cache") {
		t.Fatalf("pelagosd should mount a cache volume at /cache; volumes=%v", vols)
	}
}

// TestComposeSearxNGService verifies the search service: image pinned by
// digest, healthcheck on /healthz, mounted settings, and no host ports.
func TestComposeSearxNGService(t *testing.T) {
	doc := loadCompose(t)
	searx := service(t, doc, "searxng")

	image, _ := searx["image"].(string)
	if image == "" || !strings.Contains(image, "@sha256:") {
		t.Fatalf("searxng image must be pinned by digest, got %q", image)
	}

	hc, ok := searx["healthcheck"].(map[string]any)
	if !ok {
		t.Fatalf("searxng healthcheck missing")
	}
	testCmd, ok := hc["test"].([]any)
	if !ok || !anyStringContains(testCmd, "/healthz") {
		t.Fatalf("searxng healthcheck must probe /healthz; test=%v", hc["test"])
	}

	vols, _ := searx["volumes"].([]any)
	if !anyStringContains(vols, "searxng-settings.yml:/etc/searxng/settings.yml") {
		t.Fatalf("searxng should mount devops/searxng-settings.yml; volumes=%v", vols)
	}

	if _, hasPorts := searx["ports"]; hasPorts {
		t.Fatalf("searxng should not publish ports to host")
	}
}

// TestComposeNetworkIsolation verifies the service network is internal and
// both services sit on it.
func TestComposeNetworkIsolation(t *testing.T) {
	doc := loadCompose(t)

	nets, ok := doc["networks"].(map[string]any)
	if !ok {
		t.Fatalf("networks missing")
	}
	inner, ok := nets["pelagos_net"].(map[string]any)
	if !ok {
		t.Fatalf("pelagos_net missing")
	}
	if internal, _ := inner["internal"].(bool); !internal {
		t.Fatalf("pelagos_net should be internal: true")
	}

	for _, name := range []string{"searxng", "pelagosd"} {
		svc := service(t, doc, name)
		attached, _ := svc["networks"].([]any)
		if !containsString(attached, "pelagos_net") {
			t.Fatalf("%s should attach to pelagos_net; networks=%v", name, attached)
		}
	}
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatalf("could not locate repo root with go.mod")
	return ""
}

func containsString(items []any, needle string) bool {
	for _, v := range items {
		if s, ok := v.(string); ok && s == needle {
			return true
		}
	}
	return false
}

func anyStringContains(items []any, sub string) bool {
	for _, v := range items {
		if s, ok := v.(string); ok && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasEnv(items []any, key string) bool {
	for _, v := range items {
		if s, ok := v.(string); ok {
			if strings.HasPrefix(s, key+"=") || s == key {
				return true
			}
		}
	}
	return false
}
