package transcript

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	raw := Raw{
		CallID: "call-1",
		Participants: []Participant{
			{Name: "Alex", Internal: true},
			{Name: "Dana"},
		},
		Utterances: []Utterance{
			{Speaker: "Alex", Text: "Um, thanks for joining.", Timestamp: 1},
			{Speaker: "Alex", Text: "thanks for joining.", Timestamp: 2},
			{Speaker: "Alex", Text: "How is the  quarter going?", Timestamp: 3},
			{Speaker: "Dana", Text: "uh... hmm", Timestamp: 5},
			{Speaker: "Dana", Text: "Honestly, er, pretty rough.", Timestamp: 6},
			{Speaker: "Sam", Text: "Mm. I joined late.", Timestamp: 75},
		},
	}

	cleaned, err := Clean(raw)
	require.NoError(t, err)

	assert.Equal(t, "call-1", cleaned.CallID)
	require.Len(t, cleaned.Utterances, 3)

	assert.Equal(t, Utterance{Speaker: "Alex", Text: "thanks for joining. How is the quarter going?", Timestamp: 1}, cleaned.Utterances[0])
	assert.Equal(t, Utterance{Speaker: "Dana", Text: "Honestly, pretty rough.", Timestamp: 6}, cleaned.Utterances[1])
	assert.Equal(t, "I joined late.", cleaned.Utterances[2].Text)

	assert.Equal(t, 14, cleaned.WordCount)

	assert.Equal(t, RoleRep, cleaned.RoleOf("Alex"))
	assert.Equal(t, RoleProspect, cleaned.RoleOf("Dana"))
	assert.Equal(t, RoleUnknown, cleaned.RoleOf("Sam"))
	assert.Equal(t, RoleUnknown, cleaned.RoleOf("Nobody"))
}

func TestClean_NoUtterances(t *testing.T) {
	_, err := Clean(Raw{CallID: "empty"})
	require.Error(t, err)

	var malformed *MalformedInputError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "empty", malformed.CallID)
	assert.False(t, malformed.Retryable())
}

func TestClean_AllFiller(t *testing.T) {
	cleaned, err := Clean(Raw{CallID: "c", Utterances: []Utterance{{Speaker: "A", Text: "um uh"}}})
	require.NoError(t, err)
	assert.Empty(t, cleaned.Utterances)
	assert.Zero(t, cleaned.WordCount)
}

func TestClean_Deterministic(t *testing.T) {
	raw := Raw{CallID: "c", Utterances: []Utterance{
		{Speaker: "A", Text: "so um we ship in May"},
		{Speaker: "B", Text: "May works"},
		{Speaker: "A", Text: "great"},
	}}

	first, err := Clean(raw)
	require.NoError(t, err)
	second, err := Clean(raw)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "so um we ship in May", raw.Utterances[0].Text, "input must not be modified")
}

func TestRender(t *testing.T) {
	cleaned := &Cleaned{
		Utterances: []Utterance{
			{Speaker: "Alex", Text: "Shall we recap?", Timestamp: 134.6},
		},
		Roles: map[string]Role{"Alex": RoleRep},
	}
	assert.Equal(t, "[02:14] Alex (rep): Shall we recap?\n", cleaned.Render())
}

func TestStripFillers(t *testing.T) {
	tests := map[string]string{
		"Um, so, UH we need it":   "so, we need it",
		"  spaced   out  text ":   "spaced out text",
		"umbrella and ahead":      "umbrella and ahead",
		"hmm... erm? ah!":         "",
		"the summer was ahh nice": "the summer was ahh nice",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripFillers(in), "input %q", in)
	}
}
