package banner

import (
	"strings"
	"testing"
)

func TestSettings_Items(t *testing.T) {
	testCases := []struct {
		name     string
		settings Settings
		expected []string
	}{
		{
			name:     "defaults",
			settings: Settings{LogDir: "/var/log/apache2", WindowMode: "rolling", Window: "15m0s", ReportDir: "/tmp/r"},
			expected: []string{"Logs: /var/log/apache2", "Window: 15m0s (rolling)", "Cycles: timer", "Mail: disabled", "API: disabled"},
		},
		{
			name:     "everything on",
			settings: Settings{LogDir: "/logs", Mail: true, APIAddr: "127.0.0.1:8089", Watch: true},
			expected: []string{"Mail: enabled", "API: http://127.0.0.1:8089/api", "Cycles: timer + directory watch"},
		},
	}

	for _, tc := range testCases {
		var texts []string
		for _, item := range tc.settings.Items() {
			texts = append(texts, item.Text)
		}
		joined := strings.Join(texts, "\n")
		for _, want := range tc.expected {
			if !strings.Contains(joined, want) {
				t.Errorf("%s: expected %q in %q", tc.name, want, joined)
			}
		}
	}
}
