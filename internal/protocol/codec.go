package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeAssignment serializes an Assignment to JSON and writes it to w.
func EncodeAssignment(w io.Writer, a *Assignment) error {
	if a.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", a.Protocol)
	}
	if a.WorkerID == "" || a.UnitID == "" {
		return fmt.Errorf("assignment missing worker_id or unit_id")
	}

	if err := json.NewEncoder(w).Encode(a); err != nil {
		return fmt.Errorf("failed to encode assignment: %w", err)
	}
	return nil
}

// DecodeAssignment is the worker-side counterpart of EncodeAssignment.
func DecodeAssignment(r io.Reader) (*Assignment, error) {
	var a Assignment
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode assignment: %w", err)
	}
	if a.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", a.Protocol)
	}
	return &a, nil
}

// DecodeReport reads and validates a Report. Unknown fields are rejected.
func DecodeReport(r io.Reader) (*Report, error) {
	var rep Report

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&rep); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	if err := rep.Validate(); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Validate checks the fields each report type requires.
func (r *Report) Validate() error {
	switch r.Type {
	case "":
		return fmt.Errorf("report missing required field: type")
	case ReportHeartbeat:
	case ReportProgress:
		if r.Message == "" {
			return fmt.Errorf("progress report requires message")
		}
	case ReportQuestion:
		if r.QuestionID == "" || r.Text == "" {
			return fmt.Errorf("question report requires question_id and text")
		}
	case ReportComplete:
		if r.ArtifactRef == "" {
			return fmt.Errorf("complete report requires artifact_ref")
		}
	case ReportError:
		if r.Message == "" {
			return fmt.Errorf("error report requires message")
		}
	default:
		return fmt.Errorf("invalid report type: %q", r.Type)
	}
	return nil
}

// EncodeAck writes an ack.
func EncodeAck(w io.Writer, ack *Ack) error {
	if ack.Status == "" {
		ack.Status = "ok"
	}
	if err := json.NewEncoder(w).Encode(ack); err != nil {
		return fmt.Errorf("failed to encode ack: %w", err)
	}
	return nil
}

// DecodeAck reads an ack; used by workers and tests.
func DecodeAck(r io.Reader) (*Ack, error) {
	var ack Ack
	if err := json.NewDecoder(r).Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode ack: %w", err)
	}
	return &ack, nil
}
