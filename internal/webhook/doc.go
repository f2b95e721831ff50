// Package webhook receives signed reports from delegated workers.
//
// Every worker is handed a report URL and a secret derived from the master
// worker_reports.secret and its own ID. Reports are POSTed to
// /workers/{id}/reports with an X-Foreman-Signature header carrying
// "sha256=<hex>" of the body.
//
// # Error Responses
//
// - 400 Bad Request: malformed report, or worker_id does not match the path
// - 403 Forbidden: invalid or missing signature (no details)
// - 404 Not Found: the worker is not running
// - 413 Payload Too Large: body exceeds max_body_size
// - 429 Too Many Requests: the worker exceeded its report rate
//
// A 200 response carries a protocol.Ack with any answers queued for the worker.
package webhook
