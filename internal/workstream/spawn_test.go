package workstream

import (
	"reflect"
	"testing"
)

func TestSpawnRequestArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  SpawnRequest
		want []string
	}{
		{
			name: "workstream child",
			req: SpawnRequest{
				ProjectPath:  "/repo",
				SessionID:    "sess-1",
				WorkstreamID: "ws-1",
				RunnerID:     "runner-1",
			},
			want: []string{
				"runners", "start", "--project", "/repo",
				"--parallel-session-id", "sess-1",
				"--workstream-id", "ws-1",
				"--runner-id", "runner-1",
			},
		},
		{
			name: "plain project runner",
			req:  SpawnRequest{ProjectPath: "/repo"},
			want: []string{"runners", "start", "--project", "/repo"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.req.args(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	t.Parallel()

	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Fatalf("shortID long = %q, want 01234567", got)
	}
	if got := shortID("id1"); got != "id1" {
		t.Fatalf("shortID short = %q, want passthrough", got)
	}
}
