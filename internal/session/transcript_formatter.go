package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/jimaku/internal/discord"
	"github.com/foxseedlab/jimaku/internal/repository"
	"github.com/foxseedlab/jimaku/internal/webhook"
)

const transcriptTimeLayout = "2006-01-02 15:04:05"

type transcript struct {
	SessionID  string
	ModelID    string
	Channel    discord.ChannelInfo
	StartedAt  time.Time
	EndedAt    time.Time
	StopReason string
	Timezone   string
	Location   *time.Location
	Segments   []repository.CaptionSegment
}

func (t transcript) filename() string {
	return fmt.Sprintf("jimaku-%s.txt", t.StartedAt.In(safeLocation(t.Location)).Format("20060102-150405"))
}

// text renders a header and one "HH:MM:SS caption" line per segment, the time
// being elapsed since the session started.
func (t transcript) text() []byte {
	loc := safeLocation(t.Location)
	lines := []string{
		fmt.Sprintf("サーバー名：%s", t.Channel.GuildName),
		fmt.Sprintf("ボイスチャンネル名：%s", t.Channel.ChannelName),
		fmt.Sprintf("期間：%s ~ %s（%s）", t.StartedAt.In(loc).Format(transcriptTimeLayout), t.EndedAt.In(loc).Format(transcriptTimeLayout), t.Timezone),
		"",
	}
	for _, seg := range t.Segments {
		elapsed := seg.SpokenAt.Sub(t.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		lines = append(lines, fmt.Sprintf("%s %s", formatElapsedHMS(elapsed), seg.Content))
	}
	return []byte(strings.Join(lines, "\n"))
}

func (t transcript) webhookPayload() webhook.TranscriptPayload {
	loc := safeLocation(t.Location)
	texts := make([]string, 0, len(t.Segments))
	segments := make([]webhook.TranscriptSegment, 0, len(t.Segments))
	for i, seg := range t.Segments {
		// A segment lasts until the next one starts, the last one until the session ends.
		end := t.EndedAt
		if i+1 < len(t.Segments) {
			end = t.Segments[i+1].SpokenAt
		}
		if end.Before(seg.SpokenAt) {
			end = seg.SpokenAt
		}
		segments = append(segments, webhook.TranscriptSegment{
			Index:   seg.SegmentIndex,
			StartAt: seg.SpokenAt.In(loc).Format(time.RFC3339),
			EndAt:   end.In(loc).Format(time.RFC3339),
			Text:    seg.Content,
		})
		texts = append(texts, seg.Content)
	}

	duration := int64(t.EndedAt.Sub(t.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	return webhook.TranscriptPayload{
		SchemaVersion:   webhook.TranscriptSchemaVersion,
		SessionID:       t.SessionID,
		GuildID:         t.Channel.GuildID,
		GuildName:       t.Channel.GuildName,
		ChannelID:       t.Channel.ChannelID,
		ChannelName:     t.Channel.ChannelName,
		ModelID:         t.ModelID,
		StartAt:         t.StartedAt.In(loc).Format(time.RFC3339),
		EndAt:           t.EndedAt.In(loc).Format(time.RFC3339),
		Timezone:        t.Timezone,
		DurationSeconds: duration,
		StopReason:      t.StopReason,
		SegmentCount:    len(t.Segments),
		Segments:        segments,
		Transcript:      strings.Join(texts, "\n"),
	}
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
