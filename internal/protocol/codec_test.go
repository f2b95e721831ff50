package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeAssignment(t *testing.T) {
	tests := []struct {
		name    string
		a       *Assignment
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "inference assignment",
			a: &Assignment{
				Protocol:    Version,
				WorkerID:    "w-1",
				UnitID:      "core-implement-retry",
				Action:      "implement",
				Project:     "core",
				ProjectPath: "/src/core",
				WriteScope:  []string{"**", "!.git/**"},
				Task:        "add retries",
				Revision:    1,
				Feedback:    "tests: 2 failing",
				Endpoint:    &EndpointRef{Name: "ollama", Address: "http://localhost:11434", Backend: "ollama"},
				DeadlineAt:  time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{`"protocol":1`, `"worker_id":"w-1"`, `"revision":1`, `"feedback":"tests: 2 failing"`, `"address":"http://localhost:11434"`} {
					if !strings.Contains(output, want) {
						t.Errorf("missing %s in %s", want, output)
					}
				}
			},
		},
		{
			name: "direct worker assignment omits endpoint",
			a:    &Assignment{Protocol: Version, WorkerID: "w-2", UnitID: "u", Action: "run-tests"},
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"endpoint"`) {
					t.Error("endpoint should be omitted")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			a:       &Assignment{Protocol: 2, WorkerID: "w", UnitID: "u"},
			wantErr: true,
		},
		{
			name:    "missing ids",
			a:       &Assignment{Protocol: Version},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeAssignment(&buf, tt.a)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeAssignment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestAssignmentRoundTripThroughWorkerSide(t *testing.T) {
	var buf bytes.Buffer
	in := &Assignment{Protocol: Version, WorkerID: "w", UnitID: "u", Task: "t"}
	if err := EncodeAssignment(&buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := DecodeAssignment(&buf)
	if err != nil {
		t.Fatalf("DecodeAssignment() error = %v", err)
	}
	if out.Task != "t" || out.WorkerID != "w" {
		t.Fatalf("unexpected assignment %+v", out)
	}
}

func TestDecodeReport(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		want    ReportType
	}{
		{name: "heartbeat", input: `{"type":"heartbeat","worker_id":"w"}`, want: ReportHeartbeat},
		{name: "progress", input: `{"type":"progress","message":"cloned repo"}`, want: ReportProgress},
		{name: "question", input: `{"type":"question","question_id":"q1","text":"which branch?"}`, want: ReportQuestion},
		{name: "complete", input: `{"type":"complete","artifact_ref":"refs/heads/feature/x"}`, want: ReportComplete},
		{name: "error", input: `{"type":"error","message":"compile failed"}`, want: ReportError},
		{name: "missing type", input: `{"message":"x"}`, wantErr: "missing required field"},
		{name: "unknown type", input: `{"type":"dance"}`, wantErr: "invalid report type"},
		{name: "question without id", input: `{"type":"question","text":"?"}`, wantErr: "question_id"},
		{name: "complete without artifact", input: `{"type":"complete"}`, wantErr: "artifact_ref"},
		{name: "error without message", input: `{"type":"error"}`, wantErr: "requires message"},
		{name: "unknown field", input: `{"type":"heartbeat","extra":1}`, wantErr: "unknown field"},
		{name: "not json", input: `nope`, wantErr: "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := DecodeReport(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("DecodeReport() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeReport() error = %v", err)
			}
			if rep.Type != tt.want {
				t.Fatalf("type = %q, want %q", rep.Type, tt.want)
			}
		})
	}
}

func TestAckDefaultsStatus(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeAck(&buf, &Ack{Answers: []Answer{{QuestionID: "q1", Proceed: true}}}); err != nil {
		t.Fatal(err)
	}
	ack, err := DecodeAck(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != "ok" || len(ack.Answers) != 1 || !ack.Answers[0].Proceed {
		t.Fatalf("unexpected ack %+v", ack)
	}
}
