package openai

import (
	"log/slog"
	"net/http"
	"time"
)

// DefaultFormatPrompt asks the model to fix spelling and add only the
// punctuation the transcript needs.
const DefaultFormatPrompt = "你是一个乐于助人的助手。你的任务是纠正转录文本中的所有拼写错误。" +
	"仅添加必要的标点符号，例如句号、逗号，并且仅使用提供的上下文。"

// Config for an OpenAI-compatible endpoint.
type Config struct {
	APIKey      string
	BaseURL     string        // default https://api.openai.com/v1
	Model       string        // transcription or chat model, depending on use
	Prompt      string        // system prompt for Format; default DefaultFormatPrompt
	Temperature float32       // 0..2, chat only
	Timeout     time.Duration // http client timeout; zero leaves it to the caller's context
}

// Client speaks the streaming transcription and chat completion APIs. The
// same type serves as an adapters.Transcriber and an adapters.Formatter.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultFormatPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  logger,
	}
}
