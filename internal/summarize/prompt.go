package summarize

import (
	"fmt"
	"strings"

	"session-recap/internal/models"
)

const defaultSetting = "A fantasy tabletop RPG campaign"

const responseFormat = `Respond with JSON in this exact format (NO markdown code blocks, just raw JSON):
{
  "narrative_recap": "A 500-1500 word prose summary written in past tense, third person, suitable for reading aloud at the start of the next session. Include dramatic moments, key decisions, and character interactions. Write in an engaging fantasy chronicle style.",

  "brief_summary": "2-3 sentence summary of the most important events.",

  "memorable_quotes": [
    {"speaker": "Character name or Unknown", "quote": "The actual quote", "context": "Brief context"}
  ],

  "plot_hooks": [
    {"hook": "Description of unresolved thread", "importance": "major"}
  ],

  "entities": [
    {
      "type": "npc",
      "name": "Entity name",
      "description": "Brief description based on what was learned this session",
      "is_new": true
    }
  ]
}

Entity types are npc, location, item, faction or event.

Remember: Return ONLY valid JSON, no additional text or markdown formatting.`

// BuildPrompt renders the recap prompt for a transcript and its campaign.
func BuildPrompt(req Request) string {
	setting := strings.TrimSpace(req.Setting)
	if setting == "" {
		setting = defaultSetting
	}

	var b strings.Builder
	b.WriteString("You are a skilled chronicler summarizing a TTRPG session. Given a transcript of gameplay, create an engaging narrative recap.\n\n")
	b.WriteString("CAMPAIGN CONTEXT:\n")
	b.WriteString(setting)
	b.WriteString("\n\nKNOWN CHARACTERS:\n")
	for _, ch := range req.Characters {
		b.WriteString(characterLine(ch))
	}
	b.WriteString("\nTRANSCRIPT:\n")
	b.WriteString(req.Transcript)
	b.WriteString("\n\n")
	b.WriteString(responseFormat)
	return b.String()
}

func characterLine(ch models.Character) string {
	return fmt.Sprintf("- %s (%s/%s) played by %s\n",
		ch.Name,
		orUnknown(ch.Class),
		orUnknown(ch.Race),
		orUnknown(ch.PlayerName),
	)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}
