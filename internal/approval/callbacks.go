package approval

import "strings"

// Verb is an inline-control action encoded in callback data.
type Verb string

const (
	VerbApprove Verb = "a"
	VerbReject  Verb = "r"
	VerbCancel  Verb = "c"
)

const callbackPrefix = "ap"

// EncodeCallback packs a control verb and submission id into callback data.
// The format is "ap:<verb>:<submission id>".
func EncodeCallback(v Verb, submissionID string) string {
	return callbackPrefix + ":" + string(v) + ":" + submissionID
}

// DecodeCallback parses callback data produced by EncodeCallback.
// ok is false for foreign or malformed payloads.
func DecodeCallback(data string) (v Verb, submissionID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix || parts[2] == "" {
		return "", "", false
	}
	switch Verb(parts[1]) {
	case VerbApprove, VerbReject, VerbCancel:
		return Verb(parts[1]), parts[2], true
	default:
		return "", "", false
	}
}
