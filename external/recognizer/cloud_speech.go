package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/recognizer"
)

const speechAPIEndpointPort = 443

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Language        string
	Location        string
}

// CloudSpeechEngine streams audio to Google Cloud Speech v2. The model
// identifier is the Cloud model name, for example "chirp_3" or "latest_long".
type CloudSpeechEngine struct {
	projectID       string
	credentialsJSON string
	language        string
	location        string
}

func NewCloudSpeechEngine(cfg CloudSpeechConfig) *CloudSpeechEngine {
	return &CloudSpeechEngine{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		language:        cfg.Language,
		location:        strings.TrimSpace(cfg.Location),
	}
}

func (e *CloudSpeechEngine) Name() string {
	return "cloudspeech"
}

func (e *CloudSpeechEngine) Load(ctx context.Context, modelID string, format audio.Format) (recognizer.Decoder, error) {
	slog.Info("starting cloud speech streaming", "location", e.location, "language", e.language, "model", modelID)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(e.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if e.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", e.location, speechAPIEndpointPort)))
	}

	// The stream outlives ctx, which only bounds loading.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create speech client: %w", err)
	}

	recognizerName := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", e.projectID, e.location)
	openStream := func() (speechpb.Speech_StreamingRecognizeClient, error) {
		stream, err := client.StreamingRecognize(streamCtx)
		if err != nil {
			return nil, err
		}
		err = stream.Send(&speechpb.StreamingRecognizeRequest{
			Recognizer: recognizerName,
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: &speechpb.RecognitionConfig{
						Model:         modelID,
						LanguageCodes: []string{e.language},
						DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
							ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
								Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
								SampleRateHertz:   int32(format.SampleRate),
								AudioChannelCount: int32(format.Channels),
							},
						},
						Features: &speechpb.RecognitionFeatures{},
					},
					StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
				},
			},
		})
		if err != nil {
			_ = stream.CloseSend()
			return nil, err
		}
		return stream, nil
	}

	stream, err := openStream()
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("open speech stream: %w", err)
	}
	slog.Info("cloud speech stream initialized", "model", modelID)

	return newCloudSpeechDecoder(stream, openStream, func() error {
		cancel()
		return client.Close()
	}), nil
}

// cloudSpeechDecoder adapts the asynchronous stream to the one-result-per-frame
// Decoder contract. Finals are queued in order; interim results conflate to
// the newest one.
type cloudSpeechDecoder struct {
	mu         sync.Mutex
	closed     bool
	stream     speechpb.Speech_StreamingRecognizeClient
	openStream func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn    func() error

	resultsMu  sync.Mutex
	finals     []string
	partial    string
	hasPartial bool
	recvErr    error
}

func newCloudSpeechDecoder(stream speechpb.Speech_StreamingRecognizeClient, openStream func() (speechpb.Speech_StreamingRecognizeClient, error), closeFn func() error) *cloudSpeechDecoder {
	d := &cloudSpeechDecoder{stream: stream, openStream: openStream, closeFn: closeFn}
	d.startReceiver(stream)
	return d
}

func (d *cloudSpeechDecoder) Decode(pcm []byte) (recognizer.Hypothesis, error) {
	if err := d.send(pcm); err != nil {
		return recognizer.Hypothesis{}, err
	}
	return d.next()
}

func (d *cloudSpeechDecoder) send(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.ErrClosedPipe
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: pcm,
		},
	}
	if err := d.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		slog.Warn("speech send failed with reconnectable error; reconnecting", "error", err)
		if err := d.reconnectLocked(); err != nil {
			return fmt.Errorf("reconnect stream: %w", err)
		}
		return d.stream.Send(req)
	}
	return nil
}

func (d *cloudSpeechDecoder) next() (recognizer.Hypothesis, error) {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	if len(d.finals) > 0 {
		text := d.finals[0]
		d.finals = d.finals[1:]
		return recognizer.Hypothesis{Text: text, Final: true}, nil
	}
	if d.hasPartial {
		text := d.partial
		d.partial, d.hasPartial = "", false
		return recognizer.Hypothesis{Text: text}, nil
	}
	if d.recvErr != nil {
		err := d.recvErr
		d.recvErr = nil
		return recognizer.Hypothesis{}, err
	}
	return recognizer.Hypothesis{}, nil
}

func (d *cloudSpeechDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.stream.CloseSend(); err != nil {
		_ = d.closeFn()
		return err
	}
	return d.closeFn()
}

func (d *cloudSpeechDecoder) reconnectLocked() error {
	_ = d.stream.CloseSend()
	next, err := d.openStream()
	if err != nil {
		slog.Error("failed to reconnect speech stream", "error", err)
		return err
	}
	d.stream = next
	d.startReceiver(next)
	slog.Info("speech stream reconnected")
	return nil
}

func (d *cloudSpeechDecoder) startReceiver(stream speechpb.Speech_StreamingRecognizeClient) {
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
					slog.Info("speech receive loop stopped", "reason", err.Error())
					return
				}
				if isReconnectableStreamError(err) {
					slog.Warn("speech receive loop ended with reconnectable abort", "error", err)
					return
				}
				d.resultsMu.Lock()
				d.recvErr = err
				d.resultsMu.Unlock()
				return
			}
			d.queue(resp.GetResults())
		}
	}()
}

func (d *cloudSpeechDecoder) queue(results []*speechpb.StreamingRecognitionResult) {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	var interim strings.Builder
	for _, result := range results {
		if len(result.GetAlternatives()) == 0 {
			continue
		}
		text := result.GetAlternatives()[0].GetTranscript()
		if result.GetIsFinal() {
			d.finals = append(d.finals, text)
			d.partial, d.hasPartial = "", false
			continue
		}
		interim.WriteString(text)
	}
	if interim.Len() > 0 {
		d.partial = interim.String()
		d.hasPartial = true
	}
}

func isReconnectableStreamError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
