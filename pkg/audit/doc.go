// Package audit records every validation, policy verdict and execution of a
// run twice: a full record for access-controlled retention and a redacted
// record safe for shared visibility.
//
// Redaction masks account identifiers (keeping the last four digits), ARNs,
// access key IDs and secret assignments such as `password = ...`. A redacted
// record has the same fields as its full record; only values differ.
package audit
