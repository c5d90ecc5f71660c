package session

import (
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/jimaku/internal/discord"
	"github.com/foxseedlab/jimaku/internal/repository"
	"github.com/foxseedlab/jimaku/internal/webhook"
)

func testTranscript(t *testing.T) transcript {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	startedAt := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	return transcript{
		SessionID: "session-1",
		ModelID:   "vosk-model-small-ja",
		Channel: discord.ChannelInfo{
			GuildID:     "guild-1",
			GuildName:   "Kemo Server",
			ChannelID:   "vc-1",
			ChannelName: "General VC",
		},
		StartedAt:  startedAt,
		EndedAt:    startedAt.Add(2 * time.Minute),
		StopReason: stopReasonManualSlash,
		Timezone:   "Asia/Tokyo",
		Location:   loc,
		Segments: []repository.CaptionSegment{
			{SegmentIndex: 0, SpokenAt: startedAt.Add(15 * time.Second), Content: "こんにちは"},
			{SegmentIndex: 1, SpokenAt: startedAt.Add(75 * time.Second), Content: "よろしくお願いします"},
		},
	}
}

func TestTranscriptText(t *testing.T) {
	body := string(testTranscript(t).text())

	for _, want := range []string{
		"サーバー名：Kemo Server",
		"ボイスチャンネル名：General VC",
		"期間：2026-02-28 21:00:00 ~ 2026-02-28 21:02:00（Asia/Tokyo）",
		"00:00:15 こんにちは",
		"00:01:15 よろしくお願いします",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("%q not found in body: %s", want, body)
		}
	}
}

func TestTranscriptText_ClampsSegmentsBeforeStart(t *testing.T) {
	tr := testTranscript(t)
	tr.Segments = []repository.CaptionSegment{{SpokenAt: tr.StartedAt.Add(-time.Second), Content: "early"}}
	if body := string(tr.text()); !strings.Contains(body, "00:00:00 early") {
		t.Fatalf("expected clamped elapsed time, got %s", body)
	}
}

func TestTranscriptFilename(t *testing.T) {
	if got := testTranscript(t).filename(); got != "jimaku-20260228-210000.txt" {
		t.Fatalf("unexpected filename: %s", got)
	}
}

func TestTranscriptWebhookPayload_SegmentEndAtRules(t *testing.T) {
	tr := testTranscript(t)
	payload := tr.webhookPayload()

	if payload.SchemaVersion != webhook.TranscriptSchemaVersion {
		t.Fatalf("unexpected schema_version: %s", payload.SchemaVersion)
	}
	if len(payload.Segments) != 2 {
		t.Fatalf("unexpected segment count: %d", len(payload.Segments))
	}
	if payload.Segments[0].EndAt != tr.Segments[1].SpokenAt.In(tr.Location).Format(time.RFC3339) {
		t.Fatalf("unexpected first segment end_at: %s", payload.Segments[0].EndAt)
	}
	if payload.Segments[1].EndAt != tr.EndedAt.In(tr.Location).Format(time.RFC3339) {
		t.Fatalf("unexpected second segment end_at: %s", payload.Segments[1].EndAt)
	}
	if payload.DurationSeconds != 120 || payload.SegmentCount != 2 {
		t.Fatalf("unexpected counters: duration=%d segments=%d", payload.DurationSeconds, payload.SegmentCount)
	}
	if payload.Transcript != "こんにちは\nよろしくお願いします" {
		t.Fatalf("unexpected transcript: %q", payload.Transcript)
	}
	if payload.GuildName != "Kemo Server" || payload.ChannelID != "vc-1" || payload.StopReason != stopReasonManualSlash {
		t.Fatalf("unexpected metadata: %+v", payload)
	}
}

func TestFormatElapsedHMS(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{d: 0, want: "00:00:00"},
		{d: 59 * time.Second, want: "00:00:59"},
		{d: time.Hour + 2*time.Minute + 3*time.Second, want: "01:02:03"},
	}
	for _, tc := range cases {
		if got := formatElapsedHMS(tc.d); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.d, tc.want, got)
		}
	}
}
