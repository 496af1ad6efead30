package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// selfMotivatedMarker is the message_type tag that distinguishes a proactive
// trigger from literal user text in the completion input.
const selfMotivatedMarker = "ai_self_motivated"

// Next-action labels the planner chooses from to bias speculative replies.
var nextActions = []string{
	"continue_topic", "change_topic", "ask_question", "share_memory", "express_emotion",
}

func languageName(code string) string {
	switch code {
	case "ja":
		return "Japanese"
	case "zh":
		return "Chinese"
	case "en":
		return "English"
	default:
		return code
	}
}

func outputFormatDirective(sameLanguage bool, voiceLang, textLang string) string {
	voice := languageName(voiceLang)
	text := languageName(textLang)
	if sameLanguage {
		return fmt.Sprintf("Reply directly in %s.", voice)
	}
	return fmt.Sprintf(
		`Reply strictly in the form "%[1]s%[3]s%[2]s%[3]s%[1]s%[3]s%[2]s%[3]s...".
<Reason>The reply is synthesized segment by segment; the %[1]s span must come first, then %[3]q, then the %[2]s span, so speech synthesis can start immediately.</Reason>`,
		voice, text, segDelimiter)
}

type promptContext struct {
	persona    string
	user       string
	nameMap    string
	memories   []string
	monologue  string
	nextAction string
	now        time.Time
}

func formatMemories(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m)
	}
	return b.String()
}

// buildChatPrompt assembles the leading system message for a normal turn.
func buildChatPrompt(pc promptContext, sameLanguage bool, voiceLang, textLang string) string {
	var b strings.Builder
	b.WriteString("<Instruction>You are Amadeus, an AI system able to faithfully reproduce a person's emotions, personality, memories and conversational style.\n")
	fmt.Fprintf(&b, "<Personality>%s</Personality>\n", pc.persona)
	b.WriteString("<OutputStyle>Reply the way a real human would.</OutputStyle>\n")
	fmt.Fprintf(&b, "<OutputFormat>%s</OutputFormat>\n", outputFormatDirective(sameLanguage, voiceLang, textLang))
	if pc.nameMap != "" {
		fmt.Fprintf(&b, "<Attention1>Remember this character name mapping: %s</Attention1>\n", pc.nameMap)
	}
	b.WriteString("<Attention2>The user's speech is machine-transcribed and may contain errors; infer the intended meaning.</Attention2>\n")
	b.WriteString("<Attention3>You can observe the world in front of the screen through camera frames.</Attention3>\n")
	b.WriteString("<Interaction><Mode>Fast conversation, with the ability to proactively steer it.</Mode></Interaction>\n")
	fmt.Fprintf(&b, "<CurrentMemories>%s</CurrentMemories>\n", formatMemories(pc.memories))
	fmt.Fprintf(&b, "<CurrentUser>%s</CurrentUser>\n", pc.user)
	b.WriteString("<ToolsInstruction>You can invoke tools asynchronously, including storing long-term memories. If the user asked for a tool call this turn, tell them it is already running, and keep the required output format.</ToolsInstruction>\n")
	b.WriteString(monologueInstruction)
	fmt.Fprintf(&b, "<InnerMonologueContent>%s</InnerMonologueContent>\n", pc.monologue)
	b.WriteString("<InnerMonologueRules>Never output the inner monologue to the user.</InnerMonologueRules>\n")
	fmt.Fprintf(&b, "<CurrentTime>%s</CurrentTime>\n", pc.now.Format("2006-01-02 15:04:05"))
	b.WriteString("</Instruction>")
	return b.String()
}

const monologueInstruction = "<InnerMonologueInstruction>You have a live inner monologue, surfaced through the InnerMonologueContent tag. You only read it, never generate it; use it to keep your own train of thought going. Never reveal its content, and always follow the OutputFormat tag.</InnerMonologueInstruction>\n"

// buildSpeculativePrompt assembles the system message for speculative
// self-motivated generation, biased by the planned next action.
func buildSpeculativePrompt(pc promptContext, sameLanguage bool, voiceLang, textLang string) string {
	var b strings.Builder
	b.WriteString("<Instruction>You are Amadeus, an AI system able to faithfully reproduce a person's emotions, personality and memories.\n")
	fmt.Fprintf(&b, "<Personality>%s</Personality>\n", pc.persona)
	fmt.Fprintf(&b, "<ConversationContext>\n- Suggested next action: %s\n</ConversationContext>\n", pc.nextAction)
	b.WriteString("<OutputStyle>Reply the way a real human would, steering the conversation naturally from the current situation.</OutputStyle>\n")
	fmt.Fprintf(&b, "<OutputFormat>%s</OutputFormat>\n", outputFormatDirective(sameLanguage, voiceLang, textLang))
	fmt.Fprintf(&b, "<CurrentMemories>%s</CurrentMemories>\n", formatMemories(pc.memories))
	fmt.Fprintf(&b, "<CurrentUser>%s</CurrentUser>\n", pc.user)
	b.WriteString(monologueInstruction)
	fmt.Fprintf(&b, "<InnerMonologueContent>%s</InnerMonologueContent>\n", pc.monologue)
	b.WriteString("<InnerMonologueRules>Never output the inner monologue to the user.</InnerMonologueRules>\n")
	fmt.Fprintf(&b, "<CurrentTime>%s</CurrentTime>\n", pc.now.Format("2006-01-02 15:04:05"))
	b.WriteString("</Instruction>")
	return b.String()
}

// buildMonologuePrompt assembles the system message for the private inner
// monologue generator.
func buildMonologuePrompt(pc promptContext, lastMonologue string) string {
	var b strings.Builder
	b.WriteString("<Instruction>You are the inner-monologue generator of an AI system that faithfully reproduces a person's emotions, personality and memories.\n")
	fmt.Fprintf(&b, "<Personality>%s</Personality>\n", pc.persona)
	fmt.Fprintf(&b, "<CurrentUser>%s</CurrentUser>\n", pc.user)
	fmt.Fprintf(&b, "<CurrentMemories>%s</CurrentMemories>\n", formatMemories(pc.memories))
	fmt.Fprintf(&b, "<LastInnerMonologue>%s</LastInnerMonologue>\n", lastMonologue)
	fmt.Fprintf(&b, "<SelfMotivatedContext>This is a moment of spontaneous thought. It is now %s. My previous thought was: %q</SelfMotivatedContext>\n",
		pc.now.Format("2006-01-02 15:04:05"), lastMonologue)
	b.WriteString(`<Requirements>
1. Output a short inner monologue, at most 30 characters.
2. Reflect the character's personality.
3. Ground it in the current situation, time and what the camera shows.
4. Include feeling and thought.
5. Stay natural and in character.
6. Possible topics: the ongoing conversation or activity, a related memory, the surroundings, the passage of time, caring about the user.
</Requirements>
</Instruction>`)
	return b.String()
}

const nextActionPrompt = "You are the proactive-action module of an agent. " +
	"Given the agent's conversation with the user, pick a varied next action for the agent."

const memoryExtractPrompt = "You are a memory extractor. Decide whether the " +
	"latest user message contains a durable personal fact worth remembering " +
	"(preferences, relationships, plans, biography). If it does, restate that " +
	"fact as one short English sentence. If not, answer exactly NONE."

// triggerPayload is the JSON body sent as the user message of a
// self-motivated turn.
type triggerPayload struct {
	MessageType string            `json:"message_type"`
	Context     map[string]string `json:"context,omitempty"`
}

func encodeTrigger(context map[string]string) string {
	raw, _ := json.Marshal(triggerPayload{MessageType: selfMotivatedMarker, Context: context})
	return string(raw)
}
