package session

import "fmt"

const (
	commandJimaku     = "jimaku"
	commandJimakuStop = "jimaku-stop"

	slashCommandStartDescription = "あなたがいるボイスチャンネルで字幕を開始します。"
	slashCommandStopDescription  = "あなたがいるボイスチャンネルの字幕を中止します。"

	messageEphemeralWrongGuild        = ":warning: **このサーバーでは実行できません。**"
	messageEphemeralUnknownCommand    = ":warning: **不明なコマンドです。**"
	messageEphemeralVoiceLookupFailed = ":warning: **ボイスチャンネルの参加状態の確認に失敗しました。**"
	messageEphemeralJoinVCFirst       = ":warning: **ボイスチャンネルに参加してから実行してください。**"
	messageEphemeralAlreadyRunning    = ":warning: **このボイスチャンネルでは既に字幕が実行中です。**"
	messageEphemeralStartFailed       = ":warning: **字幕の開始に失敗しました。**"
	messageEphemeralNotRunning        = ":warning: **現在このボイスチャンネルでは字幕は実行されていません。**"
	messagePoweredByLine              = "-# *Powered by jimaku*"

	messageStartChannelTitle = ":closed_caption: **字幕を開始しました。**"
	messageStartChannelHint  = "-# /jimaku-stop コマンドで中止できます。"

	messageStopChannelTitle = ":pause_button:  **字幕を中止しました。**"
	messageStopRestart      = "/jimaku コマンドで開始できます。"
	messageStopRestartAgain = "/jimaku コマンドで再度開始できます。"

	messageAttachmentTitle = ":page_facing_up:  **字幕の記録**"

	messageStartEphemeralTitleFormat = ":closed_caption: <#%s> **の字幕を開始しました。**"
	messageStopEphemeralTitleFormat  = ":pause_button:  <#%s> **の字幕を中止しました。**"

	messageStartEphemeralSecondLine = "-# ボイスチャンネルのチャットに字幕が表示されます。"
	messageStartEphemeralHint       = "-# /jimaku-stop コマンドで中止できます。"
	messageStopEphemeralHint        = "-# /jimaku コマンドで開始できます。"
)

const (
	stopReasonManualSlash        = "manual_slash"
	stopReasonMaxDuration        = "max_duration"
	stopReasonParticipantsLeft   = "participants_left"
	stopReasonBotRemoved         = "bot_removed"
	stopReasonRecognitionFailure = "recognition_failure"
	stopReasonCaptureFailure     = "capture_failure"
	stopReasonServerClosed       = "server_closed"
	stopReasonUnknownError       = "unknown_error"
)

func startEphemeralTitle(channelID string) string {
	return fmt.Sprintf(messageStartEphemeralTitleFormat, channelID)
}

func stopEphemeralTitle(channelID string) string {
	return fmt.Sprintf(messageStopEphemeralTitleFormat, channelID)
}

func stopReasonDetail(reason string) string {
	switch reason {
	case stopReasonMaxDuration:
		return "字幕の最大制限時間に到達しました。"
	case stopReasonManualSlash:
		return "参加者に終了コマンドを実行されました。"
	case stopReasonParticipantsLeft:
		return "ボイスチャットに誰もいなくなりました。"
	case stopReasonBotRemoved:
		return "字幕ボットが退出させられました。"
	case stopReasonRecognitionFailure:
		return "音声認識でエラーが発生しました。"
	case stopReasonCaptureFailure:
		return "音声の取得でエラーが発生しました。"
	case stopReasonServerClosed:
		return "字幕サーバーが閉じられました。"
	default:
		return "不明なエラーが発生しました。"
	}
}

func stopReasonNeedsRestartAgain(reason string) bool {
	switch reason {
	case stopReasonMaxDuration, stopReasonServerClosed, stopReasonUnknownError,
		stopReasonRecognitionFailure, stopReasonCaptureFailure:
		return true
	default:
		return false
	}
}
