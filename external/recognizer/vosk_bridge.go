package recognizer

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/model"
	"github.com/foxseedlab/jimaku/internal/recognizer"
)

const (
	bridgeHandshakeTimeout = 2 * time.Minute
	bridgeExitTimeout      = 5 * time.Second
	bridgeMaxLineBytes     = 1 << 20
)

// VoskBridgeEngine runs a local recognizer in a long-lived subprocess started
// as the configured command plus "--model DIR --sample-rate HZ".
//
// The bridge first writes {"ready":true}, or {"error":"..."} if the model
// cannot be loaded. It then receives frames as a little-endian uint32 length
// followed by PCM and answers each frame with one JSON line:
// {"final":true,"text":"..."}, {"final":false,"partial":"..."} or
// {"error":"..."}. Closing stdin ends the bridge. scripts/vosk-bridge.py is a
// working bridge built on the vosk Python package; install it on PATH as
// vosk-bridge or point VOSK_BRIDGE_COMMAND at it.
type VoskBridgeEngine struct {
	command []string
	models  model.Repository
}

type bridgeMessage struct {
	Ready   bool   `json:"ready"`
	Error   string `json:"error"`
	Final   bool   `json:"final"`
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

func NewVoskBridgeEngine(command string, models model.Repository) (*VoskBridgeEngine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse bridge command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("bridge command is empty")
	}
	return &VoskBridgeEngine{command: args, models: models}, nil
}

func (e *VoskBridgeEngine) Name() string {
	return "vosk"
}

func (e *VoskBridgeEngine) Load(ctx context.Context, modelID string, format audio.Format) (recognizer.Decoder, error) {
	m, err := e.models.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}

	args := append([]string{}, e.command[1:]...)
	args = append(args, "--model", m.Path, "--sample-rate", strconv.Itoa(format.SampleRate))
	// The subprocess outlives ctx, which only bounds loading.
	cmd := exec.Command(e.command[0], args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}

	d := &voskBridgeDecoder{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, bridgeMaxLineBytes),
		header: make([]byte, 4),
	}
	if err := d.handshake(ctx); err != nil {
		_ = d.kill()
		return nil, err
	}
	slog.Info("recognizer bridge ready", "model_id", m.ID, "model_path", m.Path, "pid", cmd.Process.Pid)
	return d, nil
}

type voskBridgeDecoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	header []byte

	closeOnce sync.Once
	closeErr  error
}

func (d *voskBridgeDecoder) handshake(ctx context.Context) error {
	type result struct {
		msg bridgeMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := d.readMessage()
		ch <- result{msg: msg, err: err}
	}()

	timer := time.NewTimer(bridgeHandshakeTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("bridge handshake: %w", r.err)
		}
		if r.msg.Error != "" {
			return fmt.Errorf("bridge refused model: %s", r.msg.Error)
		}
		if !r.msg.Ready {
			return fmt.Errorf("bridge handshake: unexpected message")
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("bridge handshake timed out after %s", bridgeHandshakeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *voskBridgeDecoder) readMessage() (bridgeMessage, error) {
	line, err := d.reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return bridgeMessage{}, fmt.Errorf("bridge line exceeds %d bytes", d.reader.Size())
		}
		return bridgeMessage{}, fmt.Errorf("read bridge output: %w", err)
	}
	var msg bridgeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return bridgeMessage{}, fmt.Errorf("decode bridge output: %w", err)
	}
	return msg, nil
}

func (d *voskBridgeDecoder) Decode(pcm []byte) (recognizer.Hypothesis, error) {
	binary.LittleEndian.PutUint32(d.header, uint32(len(pcm)))
	if _, err := d.stdin.Write(d.header); err != nil {
		return recognizer.Hypothesis{}, fmt.Errorf("write frame header: %w", err)
	}
	if _, err := d.stdin.Write(pcm); err != nil {
		return recognizer.Hypothesis{}, fmt.Errorf("write frame: %w", err)
	}
	msg, err := d.readMessage()
	if err != nil {
		return recognizer.Hypothesis{}, err
	}
	if msg.Error != "" {
		return recognizer.Hypothesis{}, errors.New(msg.Error)
	}
	if msg.Final {
		return recognizer.Hypothesis{Text: msg.Text, Final: true}, nil
	}
	return recognizer.Hypothesis{Text: msg.Partial}, nil
}

// Close ends the bridge by closing its stdin and waits for it to exit.
func (d *voskBridgeDecoder) Close() error {
	d.closeOnce.Do(func() {
		_ = d.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- d.cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				d.closeErr = fmt.Errorf("bridge exited: %w", err)
			}
		case <-time.After(bridgeExitTimeout):
			slog.Warn("recognizer bridge did not exit; killing", "pid", d.cmd.Process.Pid)
			_ = d.cmd.Process.Kill()
			<-done
		}
	})
	return d.closeErr
}

func (d *voskBridgeDecoder) kill() error {
	var err error
	d.closeOnce.Do(func() {
		_ = d.stdin.Close()
		err = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	})
	return err
}
