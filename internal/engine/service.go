package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
)

// Request is what callers know about a transcription: everything else
// (device, compute type, retries) is this package's business.
type Request struct {
	Language       string
	Profile        string
	Diarization    bool
	WordTimestamps bool
	// Live selects the low-latency beam width.
	Live bool
}

type cacheKey struct {
	variant string
	model   string
	device  string
}

// Service is the tiered engine adapter. It resolves devices, applies the
// quality profile, retries accelerator failures on cpu, retries VAD, and
// falls back to the secondary engine tier when the primary is unusable.
// Engine clients are cached per (variant, model, device).
type Service struct {
	cfg   *config.Config
	log   zerolog.Logger
	Debug *DebugRing

	mu    sync.Mutex
	cache map[cacheKey]Transcriber
}

func NewService(cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		cfg:   cfg,
		log:   log.With().Str("component", "engine").Logger(),
		Debug: NewDebugRing(cfg.DebugEventLimit),
		cache: make(map[cacheKey]Transcriber),
	}
}

// engineFor returns the cached client for (variant, device), creating it on
// first use.
func (s *Service) engineFor(variant, device string) Transcriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey{variant: variant, model: s.cfg.Model, device: device}
	if t, ok := s.cache[key]; ok {
		return t
	}

	onDrop := func(field string) {
		s.Debug.Add("option_dropped", fmt.Sprintf("variant=%s field=%s", variant, field))
	}

	var t Transcriber
	switch variant {
	case "stub":
		t = NewStubEngine()
	case "faster":
		t = NewFasterEngine(s.cfg.FallbackEngineURL, s.cfg.Model, s.cfg.JobTimeout, onDrop)
	default:
		t = NewAlignedEngine(s.cfg.EngineURL, s.cfg.Model, s.cfg.JobTimeout, onDrop)
	}
	s.cache[key] = t
	return t
}

// Transcribe runs one transcription through the tier chain.
func (s *Service) Transcribe(ctx context.Context, path string, req Request, sink TokenSink) (*Result, error) {
	device := ResolveDevice(s.cfg.Device, s.cfg.GPUEnabled, s.cfg.ForceCUDA)
	if device != s.cfg.Device {
		s.Debug.Add("device_downgrade", fmt.Sprintf("%s -> %s (gpu disabled)", s.cfg.Device, device))
		s.log.Warn().Str("requested", s.cfg.Device).Str("using", device).Msg("gpu not enabled, using cpu")
	}

	lang := req.Language
	if lang == "" {
		lang = s.cfg.Language
	}
	beam := s.cfg.FinalBeam
	if req.Live {
		beam = s.cfg.LiveBeam
	}
	opts := Options{
		Language:       lang,
		Device:         device,
		ComputeType:    ResolveComputeType(req.Profile, device),
		Beam:           beam,
		BatchSize:      s.cfg.BatchSize,
		Diarization:    req.Diarization,
		WordTimestamps: req.WordTimestamps,
	}

	primary := "aligned"
	if s.cfg.EngineStub {
		primary = "stub"
	}

	res, err := s.runVariant(ctx, primary, path, opts, req.Profile, sink)
	if err == nil {
		return res, nil
	}

	if primary != "stub" && s.cfg.FallbackEngineURL != "" {
		s.Debug.Add("tier_fallback", fmt.Sprintf("aligned -> faster: %v", err))
		s.log.Warn().Err(err).Msg("primary engine failed, trying fallback tier")
		fbOpts := opts
		fbOpts.Diarization = false
		if res, fbErr := s.runVariant(ctx, "faster", path, fbOpts, req.Profile, sink); fbErr == nil {
			return res, nil
		}
	}
	return nil, err
}

// runVariant runs one engine variant with VAD and accelerator retries.
// A VAD-enabled attempt that fails is retried once with the filter off.
func (s *Service) runVariant(ctx context.Context, variant, path string, opts Options, profile string, sink TokenSink) (*Result, error) {
	vadAttempts := []bool{false}
	switch s.cfg.VADMode {
	case "on":
		vadAttempts = []bool{true, false}
	case "off":
	default:
		// auto: the filter only earns its cost on mostly silent input.
		if ratio := wavSilenceRatio(path); ratio > vadSilenceThreshold {
			s.Debug.Add("vad_auto", fmt.Sprintf("silence_ratio=%.2f", ratio))
			vadAttempts = []bool{true, false}
		}
	}

	var lastErr error
	for i, vad := range vadAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempt := opts
		attempt.VAD = vad

		res, err := s.runOnce(ctx, variant, path, attempt, profile, sink)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if i+1 < len(vadAttempts) {
			s.Debug.Add("vad_retry", fmt.Sprintf("variant=%s vad=%t error=%v", variant, vad, err))
			s.log.Warn().Err(err).Bool("vad", vad).Msg("engine failed, retrying with vad disabled")
		}
	}
	return nil, lastErr
}

// runOnce runs a single attempt, with a one-shot cpu retry when the error
// looks like a broken CUDA runtime.
func (s *Service) runOnce(ctx context.Context, variant, path string, opts Options, profile string, sink TokenSink) (*Result, error) {
	res, err := s.engineFor(variant, opts.Device).Transcribe(ctx, path, opts, sink)
	if err == nil {
		return res, nil
	}
	if opts.Device != "cpu" && IsAcceleratorError(err) {
		s.Debug.Add("accelerator_fallback", fmt.Sprintf("variant=%s device=%s error=%v", variant, opts.Device, err))
		s.log.Warn().Err(err).Str("device", opts.Device).Msg("accelerator failure, retrying on cpu")
		cpuOpts := opts
		cpuOpts.Device = "cpu"
		cpuOpts.ComputeType = ResolveComputeType(profile, "cpu")
		return s.engineFor(variant, "cpu").Transcribe(ctx, path, cpuOpts, sink)
	}
	return nil, err
}
