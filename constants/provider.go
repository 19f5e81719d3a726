package constants

// Provider names a transcription backend selectable per job.
type Provider string

const (
	ProviderOpenAI  Provider = "openai"  // streaming speech-to-text
	ProviderBailian Provider = "bailian" // upload-then-poll file transcription
)

const (
	DefaultOpenAITranscribeModel = "gpt-4o-mini-transcribe"
	DefaultBailianModel          = "qwen3-asr-flash-filetrans"
	DefaultFormatterModel        = "deepseek-chat"
)

// Providers lists the backends the service knows how to wire.
var Providers = []Provider{ProviderOpenAI, ProviderBailian}

// ProviderNames returns provider names, e.g. for enum validation.
func ProviderNames() []string {
	out := make([]string, 0, len(Providers))
	for _, p := range Providers {
		out = append(out, string(p))
	}
	return out
}

// DefaultModel returns the model used when a job does not name one.
func (p Provider) DefaultModel() string {
	switch p {
	case ProviderBailian:
		return DefaultBailianModel
	case ProviderOpenAI:
		return DefaultOpenAITranscribeModel
	default:
		return ""
	}
}
