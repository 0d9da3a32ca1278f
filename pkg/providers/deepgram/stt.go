package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/reliefops/triagecall/pkg/adapters/stt"
	"github.com/reliefops/triagecall/pkg/errorsx"
	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	StreamID       string
	CallID         string
	TraceID        string
}

// StreamingSTT streams caller audio to Deepgram and emits transcript frames.
// Interim results are revisions of the in-flight utterance; the aggregator
// downstream relies on that, so InterimResults stays on.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt")
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logger,
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: true,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_id", s.cfg.CallID),
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}

	s.logger.Info("deepgram_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_id", s.cfg.CallID))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.cfg.StreamID))
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("closing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return errorsx.Wrap(fmt.Errorf("not started"), errorsx.ReasonSTTSend)
	}
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal
	meta := map[string]string{
		frames.MetaStreamID: c.parent.cfg.StreamID,
		frames.MetaCallID:   c.parent.cfg.CallID,
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "false",
	}
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	}
	if c.parent.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = c.parent.cfg.TraceID
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Bool("is_final", isFinal))

	f := frames.NewTextFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), transcript, meta)
	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", c.parent.cfg.StreamID))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
