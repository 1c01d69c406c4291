package contextloader

import (
	"fmt"
	"strings"
)

// TemplateVersion identifies the rendering below. Bump it whenever the output
// format changes so cached renderings are superseded rather than reused.
const TemplateVersion = "context/v1"

// Render formats facts as prompt-ready text.
func Render(f *Facts) string {
	var sb strings.Builder

	sb.WriteString("## Seller\n\n")
	fmt.Fprintf(&sb, "Company: %s\n", f.Company.Name)
	if f.Company.Industry != "" {
		fmt.Fprintf(&sb, "Industry: %s\n", f.Company.Industry)
	}
	if f.Company.Product != "" {
		fmt.Fprintf(&sb, "Product: %s\n", f.Company.Product)
	}
	if len(f.Company.ValueProps) > 0 {
		sb.WriteString("Value propositions:\n")
		for _, vp := range f.Company.ValueProps {
			fmt.Fprintf(&sb, "- %s\n", vp)
		}
	}
	if f.Company.Playbook != "" {
		fmt.Fprintf(&sb, "Sales playbook: %s\n", f.Company.Playbook)
	}

	sb.WriteString("\n## Rep\n\n")
	fmt.Fprintf(&sb, "Name: %s\n", f.Rep.Name)
	if f.Rep.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", f.Rep.Title)
	}

	if f.Account != nil {
		sb.WriteString("\n## Account\n\n")
		fmt.Fprintf(&sb, "Name: %s\n", f.Account.Name)
		if f.Account.Stage != "" {
			fmt.Fprintf(&sb, "Deal stage: %s\n", f.Account.Stage)
		}
		if f.Account.Notes != "" {
			fmt.Fprintf(&sb, "Notes: %s\n", f.Account.Notes)
		}
	}

	if len(f.PriorCalls) > 0 {
		sb.WriteString("\n## Prior calls\n\n")
		for _, pc := range f.PriorCalls {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", pc.OccurredAt.Format("2006-01-02"), pc.CallID, pc.Summary)
		}
	}

	return sb.String()
}
