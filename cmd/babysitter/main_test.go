package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "babysitter.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Errorf("exit = %d", code)
	}
	if !strings.Contains(stdout.String(), "Commands:") {
		t.Errorf("usage not printed: %q", stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"frobnicate"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Errorf("unknown command exit = %d, want 2", code)
	}
}

func TestRunConfigValidate(t *testing.T) {
	good := writeConfig(t, "store:\n  backend: memory\ntickets:\n  marker_dir: "+t.TempDir()+"\n")
	bad := writeConfig(t, "store:\n  backend: etcd\n")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"config", "validate", good}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("valid config exit = %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "valid") {
		t.Errorf("stdout = %q", stdout.String())
	}

	stderr.Reset()
	if code := run([]string{"config", "validate", bad}, nil, &stdout, &stderr); code != 1 {
		t.Errorf("invalid config exit = %d", code)
	}
	if !strings.Contains(stderr.String(), "etcd") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunConfigShowRedacts(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"store:",
		"  backend: memory",
		"notion:",
		"  token: secret_abc123",
		"api:",
		"  api_key: k-456",
		"connectors:",
		"  slack:",
		"    bot_token: xoxb-1",
		"    app_token: xapp-1",
		"    channel: C123",
		"",
	}, "\n"))

	var stdout, stderr bytes.Buffer
	if code := run([]string{"config", "show", "--config", path}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, secret := range []string{"secret_abc123", "k-456", "xoxb-1", "xapp-1"} {
		if strings.Contains(out, secret) {
			t.Errorf("output leaks %q", secret)
		}
	}
	if !strings.Contains(out, "C123") {
		t.Errorf("channel missing from output:\n%s", out)
	}
}

func TestRunTicketsAndSession(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: memory\ntickets:\n  marker_dir: "+t.TempDir()+"\n")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"tickets", "list", "--config", path}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("tickets list exit = %d: %s", code, stderr.String())
	}
	if code := run([]string{"tickets", "list", "--config", path, "--status", "Blocked"}, nil, &stdout, &stderr); code != 1 {
		t.Errorf("unknown status exit = %d", code)
	}

	stdout.Reset()
	if code := run([]string{"tickets", "create", "--config", path, "--name", "Rotate certs"}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("tickets create exit = %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"name": "Rotate certs"`) || !strings.Contains(stdout.String(), `"status": "Pending"`) {
		t.Errorf("create output = %s", stdout.String())
	}
	if code := run([]string{"tickets", "create", "--config", path}, nil, &stdout, &stderr); code != 1 {
		t.Errorf("create without name exit = %d", code)
	}

	stdout.Reset()
	if code := run([]string{"session", "--config", path}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("session exit = %d: %s", code, stderr.String())
	}
	if id := strings.TrimSpace(stdout.String()); len(id) != 36 {
		t.Errorf("session id = %q", id)
	}
}
