package extraction

import "fmt"

// TranscriptionInstruction is sent along with the audio of a voice note.
const TranscriptionInstruction = `Transcribe this audio message exactly as spoken. The speaker may use Hindi, English, or Hinglish (Hindi-English mix). Output only the transcription, nothing else.`

// ExtractionInstruction is the prompt used to turn a supervisor's messages into report fields.
// The format string expects one parameter: the combined message text.
const ExtractionInstruction = `You are processing a daily progress report from a site supervisor sent via WhatsApp or Telegram.
The messages below may be in English or Hindi or a mix (Hinglish). Lines starting with [Voice note]: are transcriptions of audio messages; lines starting with [Image caption]: or [Video caption]: are captions of attached media. Sections separated by a line of --- were sent at different times on the same day and describe the same day. Extract the following fields:

1. workers_present: number of workers present today (integer, or null if not mentioned)
2. work_done: what work was done today (1-3 sentences, or null if not mentioned)
3. materials_needed: materials or supplies needed (comma-separated list, or null if not mentioned)
4. issues_flagged: any problems or issues mentioned (1-2 sentences, or null if none)
5. summary: a brief 1-sentence overall summary of the day's report

Respond ONLY with a valid JSON object with exactly these 5 keys. No markdown, no explanation.

Messages:
%s`

// BuildExtractionPrompt renders ExtractionInstruction for a combined text.
func BuildExtractionPrompt(combinedText string) string {
	return fmt.Sprintf(ExtractionInstruction, combinedText)
}
