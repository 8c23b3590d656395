package mq

import (
	"encoding/json"
	"testing"
)

func TestEventMarshalsExpectedFields(t *testing.T) {
	evt := Event{
		Type:         "deploy.deployed",
		Project:      "demo-app",
		DeploymentID: "d1",
		State:        "DEPLOYED",
	}

	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, field := range []string{"type", "project", "deployment_id", "state"} {
		if _, ok := decoded[field]; !ok {
			t.Fatalf("missing field %q in %s", field, data)
		}
	}
	if _, ok := decoded["message"]; ok {
		t.Fatalf("empty message should be omitted, got %s", data)
	}
}
