package extraction

import (
	"context"
	"strings"

	"github.com/c360studio/callscore/agent"
)

// definition binds a kind to its prompt and output type.
type definition struct {
	title        string
	instructions string
	example      string
	run          func(ctx context.Context, r *agent.Runner, task agent.Task) (Payload, agent.Result)
}

func define[T any, P interface {
	*T
	Payload
}](title, instructions, example string) definition {
	return definition{
		title:        title,
		instructions: instructions,
		example:      example,
		run: func(ctx context.Context, r *agent.Runner, task agent.Task) (Payload, agent.Result) {
			out, res := agent.Run[T, P](ctx, r, task)
			if out == nil {
				return nil, res
			}
			return P(out), res
		},
	}
}

var definitions = map[Kind]definition{
	KindPainPoint: define[PainPoints](
		"Pain points",
		`List the business problems the prospect described. Only include problems the
prospect stated or clearly confirmed, not ones the rep suggested. Rate severity by
how much urgency the prospect expressed. Quote the prospect where possible.`,
		`{"items": [{"description": "Manual route planning takes two dispatchers a full day each week", "severity": "high", "quote": "we basically lose Mondays to it"}]}`,
	),
	KindObjection: define[Objections](
		"Objections",
		`List every objection or concern the prospect raised. Categorize each as price,
timing, authority, need, competition or other. Summarize how the rep responded and
whether the prospect accepted the response.`,
		`{"items": [{"category": "price", "statement": "That's above what we budgeted", "rep_response": "Walked through fuel savings payback", "resolved": false}]}`,
	),
	KindEngagementScore: define[Engagement](
		"Engagement",
		`Assess how engaged the prospect was. Score 0-100. Estimate the share of talk
time that was the prospect's (0-1), count the questions the prospect asked, and
classify overall sentiment as positive, neutral or negative. Cite short evidence.`,
		`{"score": 68, "prospect_talk_ratio": 0.42, "questions_asked": 5, "sentiment": "positive", "evidence": ["asked about rollout timeline unprompted"]}`,
	),
	KindNextSteps: define[NextSteps](
		"Next steps",
		`List the follow-up actions agreed on the call with an owner (rep, prospect or
both) and a due date if one was stated. Set committed to true only if the prospect
explicitly agreed to a dated next meeting.`,
		`{"items": [{"action": "Send security questionnaire", "owner": "rep", "due_date": "Friday"}], "committed": true}`,
	),
	KindCallStructureReview: define[CallStructure](
		"Call structure",
		`Review the structure of the call against the phases opening, discovery,
presentation, objection handling and close. Mark which phases were covered, whether
the rep set an agenda up front and whether the call closed with a recap. Score the
structure 0-100.`,
		`{"phases": [{"name": "discovery", "covered": true, "notes": "Good open questions on current process"}], "agenda_set": true, "closed_with_recap": false, "score": 61}`,
	),
	KindRepTechnique: define[RepTechnique](
		"Rep technique",
		`Rate the rep's selling technique on active listening, questioning, value
articulation, objection handling and closing, each 1-5 with evidence. List the
rep's main strengths and gaps.`,
		`{"skills": [{"skill": "questioning", "score": 4, "evidence": "Followed up on the dispatch bottleneck twice"}], "strengths": ["concise discovery"], "gaps": ["did not confirm decision process"]}`,
	),
}

const systemPreamble = `You are a sales coach analyzing one recorded sales call. The rep works for the
seller described in the call context. Base every statement on the transcript; do
not invent details.`

func systemPrompt(d definition) string {
	var sb strings.Builder
	sb.WriteString(systemPreamble)
	sb.WriteString("\n\n## Task: ")
	sb.WriteString(d.title)
	sb.WriteString("\n\n")
	sb.WriteString(d.instructions)
	sb.WriteString("\n\n## Output\n\nRespond with one JSON object shaped like this example:\n\n")
	sb.WriteString(d.example)
	sb.WriteString("\n")
	return sb.String()
}

func userPrompt(in Input) string {
	var sb strings.Builder
	sb.WriteString("## Call context\n\n")
	sb.WriteString(in.Context.Text)
	sb.WriteString("\n## Transcript\n\n")
	sb.WriteString(in.Transcript.Render())
	return sb.String()
}
