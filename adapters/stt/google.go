package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

var (
	ErrAlreadyListening = repositories.ErrAlreadyListening
	ErrNotListening     = repositories.ErrNotListening
)

// GoogleConfig holds Google Cloud Speech settings
type GoogleConfig struct {
	// CredentialsFile is optional; application default credentials are used when empty
	CredentialsFile string
	Model           string
}

// GoogleRecognizer streams audio to Google Cloud Speech with interim results.
// The server closes a stream after its duration limit; the recognizer reopens
// it transparently while still listening.
type GoogleRecognizer struct {
	cfg    GoogleConfig
	logger *zap.Logger

	mu        sync.Mutex
	client    *speech.Client
	stream    speechpb.Speech_StreamingRecognizeClient
	cancel    context.CancelFunc
	done      chan struct{}
	listening atomic.Bool
}

var _ repositories.Recognizer = (*GoogleRecognizer)(nil)

func NewGoogleRecognizer(cfg GoogleConfig, logger *zap.Logger) *GoogleRecognizer {
	return &GoogleRecognizer{
		cfg:    cfg,
		logger: logger.Named("stt.google"),
	}
}

func (g *GoogleRecognizer) Start(ctx context.Context, opts repositories.RecognitionOptions, callbacks repositories.RecognitionCallbacks) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.listening.Load() {
		return ErrAlreadyListening
	}

	encoding, err := getAudioEncoding(opts.Encoding)
	if err != nil {
		return repositories.InitError(repositories.AdapterRecognition, err)
	}

	var clientOpts []option.ClientOption
	if g.cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(g.cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return repositories.InitError(repositories.AdapterRecognition, fmt.Errorf("failed to create speech client: %w", err))
	}

	streamingConfig := &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   encoding,
			SampleRateHertz:            int32(opts.SampleRate),
			LanguageCode:               opts.Language,
			Model:                      g.cfg.Model,
			EnableAutomaticPunctuation: true,
		},
		InterimResults: true,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := openStream(streamCtx, client, streamingConfig)
	if err != nil {
		cancel()
		client.Close()
		return classify(err)
	}

	g.client = client
	g.stream = stream
	g.cancel = cancel
	g.done = make(chan struct{})
	g.listening.Store(true)

	go g.receive(streamCtx, streamingConfig, stream, callbacks)

	g.logger.Info("Recognition stream opened",
		zap.Int("sample_rate", opts.SampleRate),
		zap.String("encoding", opts.Encoding),
		zap.String("language", opts.Language))
	if callbacks.OnStart != nil {
		callbacks.OnStart()
	}
	return nil
}

func openStream(ctx context.Context, client *speech.Client, cfg *speechpb.StreamingRecognitionConfig) (speechpb.Speech_StreamingRecognizeClient, error) {
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: cfg,
		},
	}); err != nil {
		stream.CloseSend()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}
	return stream, nil
}

func (g *GoogleRecognizer) PushAudio(frame entities.AudioFrame) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.listening.Load() || g.stream == nil {
		return ErrNotListening
	}
	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame.PCM16(),
		},
	}); err != nil && !errors.Is(err, io.EOF) {
		return repositories.TransientError(repositories.AdapterRecognition, fmt.Errorf("failed to send audio data: %w", err))
	}
	return nil
}

func (g *GoogleRecognizer) IsListening() bool {
	return g.listening.Load()
}

func (g *GoogleRecognizer) Stop() error {
	g.mu.Lock()
	if !g.listening.Swap(false) {
		g.mu.Unlock()
		return nil
	}
	stream, cancel, client, done := g.stream, g.cancel, g.client, g.done
	g.stream = nil
	g.mu.Unlock()

	if stream != nil {
		stream.CloseSend()
	}
	cancel()
	<-done

	g.logger.Info("Recognition stream closed")
	return client.Close()
}

// receive reads results until the recognizer stops, reopening the stream
// when the server ends it
func (g *GoogleRecognizer) receive(ctx context.Context, cfg *speechpb.StreamingRecognitionConfig, stream speechpb.Speech_StreamingRecognizeClient, callbacks repositories.RecognitionCallbacks) {
	defer close(g.done)

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || !g.listening.Load() {
				return
			}
			if errors.Is(err, io.EOF) || status.Code(err) == codes.OutOfRange {
				next, openErr := g.reopen(ctx, cfg)
				if openErr == nil {
					stream = next
					continue
				}
				err = openErr
			}
			g.logger.Warn("Recognition stream failed", zap.Error(err))
			if callbacks.OnError != nil {
				callbacks.OnError(classify(err))
			}
			return
		}

		if resp.Error != nil {
			g.logger.Warn("Recognition returned error status",
				zap.Int32("code", resp.Error.Code),
				zap.String("message", resp.Error.Message))
			continue
		}

		text, confidence, final := flatten(resp.Results)
		if text == "" {
			continue
		}
		if final {
			if callbacks.OnFinal != nil {
				callbacks.OnFinal(text, confidence)
			}
		} else if callbacks.OnPartial != nil {
			callbacks.OnPartial(text, confidence)
		}
	}
}

func (g *GoogleRecognizer) reopen(ctx context.Context, cfg *speechpb.StreamingRecognitionConfig) (speechpb.Speech_StreamingRecognizeClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.listening.Load() {
		return nil, ErrNotListening
	}
	stream, err := openStream(ctx, g.client, cfg)
	if err != nil {
		return nil, err
	}
	g.stream = stream
	g.logger.Debug("Recognition stream reopened")
	return stream, nil
}

// flatten joins the best alternative of each result. Interim responses carry
// a stable prefix followed by less stable tails.
func flatten(results []*speechpb.StreamingRecognitionResult) (string, float64, bool) {
	var parts []string
	var confidence float64
	final := false
	for _, result := range results {
		if len(result.Alternatives) == 0 {
			continue
		}
		best := result.Alternatives[0]
		if t := strings.TrimSpace(best.Transcript); t != "" {
			parts = append(parts, t)
		}
		if result.IsFinal {
			final = true
			confidence = float64(best.Confidence)
		} else if confidence == 0 {
			confidence = float64(result.Stability)
		}
	}
	return strings.Join(parts, " "), confidence, final
}

// classify maps gRPC status codes onto adapter error kinds
func classify(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition:
		return repositories.InitError(repositories.AdapterRecognition, err)
	default:
		return repositories.TransientError(repositories.AdapterRecognition, err)
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
