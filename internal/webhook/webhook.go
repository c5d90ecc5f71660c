package webhook

import "context"

const TranscriptSchemaVersion = "2026-10-01"

type TranscriptSegment struct {
	Index   int    `json:"index"`
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
	Text    string `json:"text"`
}

// TranscriptPayload is posted once per finished captioning session.
type TranscriptPayload struct {
	SchemaVersion   string              `json:"schema_version"`
	SessionID       string              `json:"session_id"`
	GuildID         string              `json:"guild_id"`
	GuildName       string              `json:"guild_name"`
	ChannelID       string              `json:"channel_id"`
	ChannelName     string              `json:"channel_name"`
	ModelID         string              `json:"model_id"`
	StartAt         string              `json:"start_at"`
	EndAt           string              `json:"end_at"`
	Timezone        string              `json:"timezone"`
	DurationSeconds int64               `json:"duration_seconds"`
	StopReason      string              `json:"stop_reason"`
	SegmentCount    int                 `json:"segment_count"`
	Segments        []TranscriptSegment `json:"segments"`
	Transcript      string              `json:"transcript"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptPayload) error
}
