package engine

import "time"

// Region is a fixed constant; the remote service exposes a single
// regional endpoint and the gateway does not select between regions.
const Region = "us-west-2"

// Config holds process-wide Session Engine defaults.
type Config struct {
	// RemoteEndpoint is the base URL of the remote inference service.
	RemoteEndpoint string

	// MaxConcurrentStreams is the per-client stream limit carried in the
	// configuration. No component reads it: neither the driver's HTTP/2
	// transport nor the bridge limits how many streams are open.
	MaxConcurrentStreams int

	// RequestTimeout bounds a single stream's total lifetime.
	RequestTimeout time.Duration

	// IdleTimeout is the threshold past which the sweeper force-closes a
	// session that has seen no activity.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweeper scans the registry.
	SweepInterval time.Duration

	// QueueBound is the maximum number of items the outbound queue holds
	// before it starts dropping the oldest audioInput event.
	QueueBound int

	// QueueWaitTimeout bounds how long the queue consumer waits on an
	// empty queue before re-checking state and possibly re-seeding
	// sessionStart.
	QueueWaitTimeout time.Duration

	// InitiationOpenTimeout bounds how long the opening sequence has to
	// reach the remote service.
	InitiationOpenTimeout time.Duration

	// InitiationHandshakeTimeout bounds how long the handshake has to be
	// confirmed once the stream is open.
	InitiationHandshakeTimeout time.Duration

	// TeardownStepPause is the short settling pause between ordered
	// teardown steps.
	TeardownStepPause time.Duration

	// TeardownBudget bounds ordered teardown before it is abandoned in
	// favor of force-close.
	TeardownBudget time.Duration

	// ForceCloseBudget is carried in the configuration but no component
	// reads it; ForceClose itself runs without a time bound.
	ForceCloseBudget time.Duration

	// DisconnectDeadline bounds how long a client disconnect gets before
	// the bridge escalates to force-close.
	DisconnectDeadline time.Duration

	// Inference holds the default sampling parameters sent in
	// sessionStart.
	Inference InferenceConfig

	// DefaultSystemPrompt seeds the system-prompt content block when the
	// client does not supply one via initSession.
	DefaultSystemPrompt string

	// Voice is the default synthesis voice ID.
	Voice string

	// ToolCallTimeout bounds a single tool invocation's outbound call.
	ToolCallTimeout time.Duration

	// Insecure makes the remote stream driver speak h2c over a plain TCP
	// dial instead of negotiating TLS. Only meant for pointing the driver
	// at an httptest.Server in tests.
	Insecure bool
}

// ApplyDefaults fills unset fields with their defaults. Call it once on a
// zero-value Config before constructing a Manager.
func (c *Config) ApplyDefaults() {
	if c.RemoteEndpoint == "" {
		c.RemoteEndpoint = "https://speech.invalid/v1/stream"
	}
	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 300 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.QueueBound <= 0 {
		c.QueueBound = 200
	}
	if c.QueueWaitTimeout <= 0 {
		c.QueueWaitTimeout = 10 * time.Second
	}
	if c.InitiationOpenTimeout <= 0 {
		c.InitiationOpenTimeout = 30 * time.Second
	}
	if c.InitiationHandshakeTimeout <= 0 {
		c.InitiationHandshakeTimeout = 15 * time.Second
	}
	if c.TeardownStepPause <= 0 {
		c.TeardownStepPause = 200 * time.Millisecond
	}
	if c.TeardownBudget <= 0 {
		c.TeardownBudget = 5 * time.Second
	}
	if c.ForceCloseBudget <= 0 {
		c.ForceCloseBudget = 5 * time.Second
	}
	if c.DisconnectDeadline <= 0 {
		c.DisconnectDeadline = 5 * time.Second
	}
	if c.Inference.MaxTokens <= 0 {
		c.Inference.MaxTokens = 1024
	}
	if c.Inference.TopP <= 0 {
		c.Inference.TopP = 0.9
	}
	if c.Inference.Temperature <= 0 {
		c.Inference.Temperature = 0.7
	}
	if c.DefaultSystemPrompt == "" {
		c.DefaultSystemPrompt = "You are a helpful, concise voice assistant. Keep responses short and conversational."
	}
	if c.Voice == "" {
		c.Voice = "tiffany"
	}
	if c.ToolCallTimeout <= 0 {
		c.ToolCallTimeout = 5 * time.Second
	}
}

// AudioInputFormat is the fixed input PCM format; transcoding and
// resampling are out of scope, so this is the only format ever produced.
func AudioInputFormat() AudioInputConfig {
	return AudioInputConfig{
		AudioType:       "SPEECH",
		Encoding:        "base64",
		MediaType:       "audio/lpcm",
		SampleRateHertz: 16000,
		SampleSizeBits:  16,
		ChannelCount:    1,
	}
}

// AudioOutputFormat is the fixed output PCM format.
func (c Config) AudioOutputFormat() AudioOutputConfig {
	return AudioOutputConfig{
		AudioType:       "SPEECH",
		Encoding:        "base64",
		MediaType:       "audio/lpcm",
		SampleRateHertz: 24000,
		SampleSizeBits:  16,
		ChannelCount:    1,
		VoiceId:         c.Voice,
	}
}
