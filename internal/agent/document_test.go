package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnpower/server/internal/model"
)

const sampleConfig = `{
  // managed by the node agent
  "log": {"loglevel": "warning"},
  "inbounds": [
    {
      "tag": "api",
      "protocol": "dokodemo-door",
      "port": 10085
    },
    {
      "tag": "vless-reality-in",
      "port": 443,
      "protocol": "vless",
      "settings": {
        "clients": [
          {"id": "u1", "flow": "xtls-rprx-vision", "email": "keep@me"},
          {"id": "u3", "flow": "xtls-rprx-vision"},
        ],
        "decryption": "none"
      }
    }
  ]
}`

func clientsOf(t *testing.T, doc *Document, tag string) []map[string]any {
	t.Helper()
	for _, raw := range doc.root["inbounds"].([]any) {
		in := raw.(map[string]any)
		if in["tag"] != tag {
			continue
		}
		var out []map[string]any
		for _, c := range in["settings"].(map[string]any)["clients"].([]any) {
			out = append(out, c.(map[string]any))
		}
		return out
	}
	t.Fatalf("inbound %q not found", tag)
	return nil
}

func TestReconcile_AddsAndRemoves(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleConfig))
	require.NoError(t, err)

	changes, err := doc.Reconcile("vless-reality-in", []string{"u1", "u2"}, "xtls-rprx-vision")
	require.NoError(t, err)
	assert.Equal(t, Changes{Added: 1, Removed: 1}, changes)

	clients := clientsOf(t, doc, "vless-reality-in")
	require.Len(t, clients, 2)
	assert.Equal(t, "u1", clients[0]["id"])
	assert.Equal(t, "keep@me", clients[0]["email"], "unknown client fields are preserved")
	assert.Equal(t, map[string]any{"id": "u2", "flow": "xtls-rprx-vision"}, clients[1])
}

func TestReconcile_Idempotent(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleConfig))
	require.NoError(t, err)

	_, err = doc.Reconcile("vless-reality-in", []string{"u1", "u2"}, "xtls-rprx-vision")
	require.NoError(t, err)
	changes, err := doc.Reconcile("vless-reality-in", []string{"u1", "u2"}, "xtls-rprx-vision")
	require.NoError(t, err)
	assert.False(t, changes.Changed())
}

func TestReconcile_UpdatesFlowAndDropsDuplicates(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"inbounds":[{"tag":"in","settings":{"clients":[
		{"id":"a","flow":""},{"id":"a","flow":"xtls-rprx-vision"},"garbage"]}}]}`))
	require.NoError(t, err)

	changes, err := doc.Reconcile("in", []string{"a"}, "xtls-rprx-vision")
	require.NoError(t, err)
	assert.Equal(t, Changes{Updated: 1, Removed: 2}, changes)
	assert.Equal(t, []map[string]any{{"id": "a", "flow": "xtls-rprx-vision"}}, clientsOf(t, doc, "in"))
}

func TestReconcile_CreatesMissingClientList(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"inbounds":[{"tag":"in"}]}`))
	require.NoError(t, err)

	changes, err := doc.Reconcile("in", []string{"a", "b"}, "xtls-rprx-vision")
	require.NoError(t, err)
	assert.Equal(t, 2, changes.Added)
	assert.Len(t, clientsOf(t, doc, "in"), 2)
}

func TestReconcile_Corrupt(t *testing.T) {
	cases := map[string]string{
		"no inbounds":         `{"log":{}}`,
		"tag missing":         `{"inbounds":[{"tag":"other"}]}`,
		"settings not object": `{"inbounds":[{"tag":"in","settings":[]}]}`,
		"clients not array":   `{"inbounds":[{"tag":"in","settings":{"clients":{}}}]}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			doc, err := ParseDocument([]byte(input))
			require.NoError(t, err)
			_, err = doc.Reconcile("in", []string{"a"}, "")
			assert.True(t, errors.Is(err, model.ErrConfigCorrupt), "got %v", err)
		})
	}
}

func TestParseDocument_Corrupt(t *testing.T) {
	for _, input := range []string{"", "not json", "[1,2]", "null", `{"a":`} {
		_, err := ParseDocument([]byte(input))
		assert.True(t, errors.Is(err, model.ErrConfigCorrupt), "input %q: got %v", input, err)
	}
}

func TestMarshal_PreservesNumbersAndOtherSections(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleConfig))
	require.NoError(t, err)
	_, err = doc.Reconcile("vless-reality-in", []string{"u1"}, "xtls-rprx-vision")
	require.NoError(t, err)

	out, err := doc.Marshal()
	require.NoError(t, err)
	text := string(out)
	assert.True(t, strings.HasSuffix(text, "}\n"))
	assert.Contains(t, text, `"port": 10085`)
	assert.Contains(t, text, `"loglevel": "warning"`)
	assert.Contains(t, text, `"decryption": "none"`)
	assert.NotContains(t, text, "u3")

	reparsed, err := ParseDocument(out)
	require.NoError(t, err)
	changes, err := reparsed.Reconcile("vless-reality-in", []string{"u1"}, "xtls-rprx-vision")
	require.NoError(t, err)
	assert.False(t, changes.Changed())
}
