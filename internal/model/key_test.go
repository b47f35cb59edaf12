package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestKeyMaterialRedacted(t *testing.T) {
	key := KeyMaterial("super-secret-key-bytes")
	for _, out := range []string{fmt.Sprint(key), fmt.Sprintf("%v", key), fmt.Sprintf("%#v", key)} {
		if strings.Contains(out, "super") {
			t.Fatalf("key leaked through fmt: %q", out)
		}
	}
	data, err := json.Marshal(struct{ K KeyMaterial }{key})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "super") {
		t.Fatalf("key leaked through json: %s", data)
	}
}

func TestKeyMaterialWipe(t *testing.T) {
	key := KeyMaterial{1, 2, 3}
	clone := key.Clone()
	key.Wipe()
	for _, b := range key {
		if b != 0 {
			t.Fatalf("expected zeroed key, got %v", []byte(key))
		}
	}
	if clone[0] != 1 {
		t.Fatalf("clone shares backing array with wiped key")
	}
	var empty KeyMaterial
	empty.Wipe()
}

func TestRecordJSONOmitsKey(t *testing.T) {
	rec := DocumentRecord{
		BlobID:        "abc",
		AccessCode:    "123456",
		EncryptionKey: KeyMaterial("secret"),
		ExpiryTime:    time.Unix(100, 0),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "secret") || strings.Contains(string(data), "redacted") {
		t.Fatalf("record JSON should not mention the key: %s", data)
	}
	if !rec.Expired(time.Unix(101, 0)) || rec.Expired(time.Unix(100, 0)) {
		t.Fatalf("Expired boundary wrong")
	}
}
