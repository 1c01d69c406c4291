// Package transcript normalizes raw call transcripts before they are shown to
// extraction agents.
package transcript

import (
	"fmt"
	"strings"
)

// Role classifies a speaker on a sales call.
type Role string

const (
	RoleRep      Role = "rep"
	RoleProspect Role = "prospect"
	RoleUnknown  Role = "unknown"
)

// Utterance is one speaker turn. Timestamp is seconds from call start.
type Utterance struct {
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// Participant is an attendee known to the recording provider.
type Participant struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Internal bool   `json:"internal"`
}

// Raw is a verbatim transcript as supplied by the caller.
type Raw struct {
	CallID       string        `json:"call_id"`
	Utterances   []Utterance   `json:"utterances"`
	Participants []Participant `json:"participants,omitempty"`
}

// Cleaned is a normalized transcript. It is never mutated after Clean returns.
type Cleaned struct {
	CallID     string          `json:"call_id"`
	Utterances []Utterance     `json:"utterances"`
	WordCount  int             `json:"word_count"`
	Roles      map[string]Role `json:"roles"`
}

// RoleOf returns the role for a speaker, RoleUnknown if unmapped.
func (c *Cleaned) RoleOf(speaker string) Role {
	if r, ok := c.Roles[speaker]; ok {
		return r
	}
	return RoleUnknown
}

// Render formats the transcript as prompt text, one line per utterance:
//
//	[02:14] Dana Smith (prospect): we looked at two other vendors
func (c *Cleaned) Render() string {
	var sb strings.Builder
	for _, u := range c.Utterances {
		secs := int(u.Timestamp)
		fmt.Fprintf(&sb, "[%02d:%02d] %s (%s): %s\n", secs/60, secs%60, u.Speaker, c.RoleOf(u.Speaker), u.Text)
	}
	return sb.String()
}

// MalformedInputError reports a raw transcript that cannot be scored.
type MalformedInputError struct {
	CallID string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed transcript for call %s: %s", e.CallID, e.Reason)
}

// Retryable is always false: the same input will fail again.
func (e *MalformedInputError) Retryable() bool { return false }
