package transcript

import (
	"strings"
	"unicode"
)

// fillers are dropped wherever they appear as a whole token.
var fillers = map[string]struct{}{
	"um": {}, "umm": {}, "uh": {}, "uhh": {}, "uhm": {},
	"er": {}, "erm": {}, "ah": {}, "hmm": {}, "mm": {},
}

// Clean normalizes a raw transcript. It is pure and deterministic.
//
// Fillers are stripped, empty utterances dropped, a fragment repeating the
// speaker's previous fragment is dropped as a transcription echo, and
// consecutive fragments of the same speaker are merged keeping the first
// timestamp.
func Clean(raw Raw) (*Cleaned, error) {
	if len(raw.Utterances) == 0 {
		return nil, &MalformedInputError{CallID: raw.CallID, Reason: "no utterances"}
	}

	out := &Cleaned{
		CallID:     raw.CallID,
		Utterances: make([]Utterance, 0, len(raw.Utterances)),
		Roles:      speakerRoles(raw),
	}

	var lastFragment string
	for _, u := range raw.Utterances {
		text := stripFillers(u.Text)
		if text == "" {
			continue
		}

		n := len(out.Utterances)
		if n > 0 && out.Utterances[n-1].Speaker == u.Speaker {
			if strings.EqualFold(text, lastFragment) {
				continue
			}
			out.Utterances[n-1].Text += " " + text
		} else {
			out.Utterances = append(out.Utterances, Utterance{
				Speaker:   u.Speaker,
				Text:      text,
				Timestamp: u.Timestamp,
			})
		}
		lastFragment = text
	}

	for _, u := range out.Utterances {
		out.WordCount += len(strings.Fields(u.Text))
	}

	return out, nil
}

// stripFillers removes filler tokens and collapses whitespace.
func stripFillers(text string) string {
	tokens := strings.Fields(text)
	kept := tokens[:0]
	for _, tok := range tokens {
		bare := strings.ToLower(strings.TrimFunc(tok, unicode.IsPunct))
		if _, ok := fillers[bare]; ok {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

func speakerRoles(raw Raw) map[string]Role {
	roles := make(map[string]Role)
	for _, p := range raw.Participants {
		if p.Internal {
			roles[p.Name] = RoleRep
		} else {
			roles[p.Name] = RoleProspect
		}
	}
	for _, u := range raw.Utterances {
		if _, ok := roles[u.Speaker]; !ok {
			roles[u.Speaker] = RoleUnknown
		}
	}
	return roles
}
