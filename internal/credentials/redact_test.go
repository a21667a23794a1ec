package credentials

import (
	"strings"
	"testing"
)

func TestRedactStripsSecretValues(t *testing.T) {
	msg := "request failed with key hunter2 at endpoint"
	got := Redact(msg, "hunter2")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("secret survived redaction: %s", got)
	}
	if !strings.Contains(got, "[redacted]") {
		t.Fatalf("no redaction marker: %s", got)
	}
}

func TestRedactStripsAbsolutePaths(t *testing.T) {
	got := Redact(`cannot read /home/alice/.config/usagesync/usagesync.yaml`)
	if strings.Contains(got, "alice") {
		t.Fatalf("path survived redaction: %s", got)
	}

	got = Redact(`open C:\Users\bob\session.json: access denied`)
	if strings.Contains(got, "bob") {
		t.Fatalf("windows path survived redaction: %s", got)
	}
}

func TestRedactKeepsServiceURLs(t *testing.T) {
	got := Redact("GET https://acct.table.core.windows.net/usage failed")
	if !strings.Contains(got, "acct.table.core.windows.net") {
		t.Fatalf("hostname should survive redaction: %s", got)
	}
}

func TestRedactStripsSASAndAccountKeys(t *testing.T) {
	got := Redact("url?sv=2021-08-06&sig=abc123def")
	if strings.Contains(got, "abc123def") {
		t.Fatalf("signature survived: %s", got)
	}

	got = Redact("DefaultEndpointsProtocol=https;AccountKey=supersecret;EndpointSuffix=core.windows.net")
	if strings.Contains(got, "supersecret") {
		t.Fatalf("account key survived: %s", got)
	}
}
