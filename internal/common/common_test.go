package common

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TestTagKeepsBothKinds checks that a tagged error matches the kind and the cause.
func TestTagKeepsBothKinds(t *testing.T) {
	cause := errors.New("boom")
	err := Tag(ErrDownload, cause)
	if !errors.Is(err, ErrDownload) || !errors.Is(err, cause) {
		t.Fatalf("Tag lost part of the chain: %v", err)
	}
	if again := Tag(ErrDownload, err); again != err {
		t.Fatalf("Tag re-wrapped an already tagged error: %v", again)
	}
	if Tag(ErrDownload, nil) != nil {
		t.Fatalf("Tag(nil) should be nil")
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{NotFoundf("job %s", "x"), ErrNotFound},
		{Validationf("bad"), ErrValidation},
		{PreconditionFailedf("busy"), ErrPreconditionFailed},
		{Tag(ErrPersistence, errors.New("db")), ErrPersistence},
		{Tag(ErrTranscription, errors.New("stt")), ErrTranscription},
		{errors.New("plain"), ErrInternal},
	}
	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Errorf("Kind(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestGRPCError(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{NotFoundf("missing"), codes.NotFound},
		{Validationf("bad"), codes.InvalidArgument},
		{PreconditionFailedf("busy"), codes.FailedPrecondition},
		{Tag(ErrPersistence, errors.New("db")), codes.Unavailable},
		{errors.New("plain"), codes.Internal},
	}
	for _, c := range cases {
		if got := status.Code(GRPCError(c.err)); got != c.code {
			t.Errorf("GRPCError(%v) code = %v, want %v", c.err, got, c.code)
		}
	}
}

func TestValidatorURLRules(t *testing.T) {
	cases := []struct {
		url   string
		hosts []string
		ok    bool
	}{
		{"https://example.com/v1", nil, true},
		{"", nil, false},
		{"   ", nil, false},
		{"ftp://example.com/x", nil, false},
		{"not a url", nil, false},
		{"https://www.youtube.com/watch?v=1", []string{"youtube.com"}, true},
		{"https://evil.com/watch", []string{"youtube.com"}, false},
	}
	for _, c := range cases {
		v := NewValidator().Field("url", c.url, Required, HTTPURL, AllowedHost(c.hosts))
		err := v.Error()
		if (err == nil) != c.ok {
			t.Errorf("url %q: err = %v, want ok=%v", c.url, err, c.ok)
		}
		if err != nil && !errors.Is(err, ErrValidation) {
			t.Errorf("url %q: error does not carry ErrValidation", c.url)
		}
	}
}

func TestOneOf(t *testing.T) {
	rule := OneOf("openai", "bailian")
	if rule("provider", "openai") != nil {
		t.Fatalf("openai should be accepted")
	}
	if rule("provider", "") != nil {
		t.Fatalf("empty should be left to Required")
	}
	if rule("provider", "whisper") == nil {
		t.Fatalf("unknown provider should be rejected")
	}
}

func TestValidateJSON(t *testing.T) {
	if err := ValidateJSON("create.json", CreateJobSchema, []byte(`{"url":"https://example.com/v1"}`)); err != nil {
		t.Fatalf("valid body rejected: %v", err)
	}
	for _, body := range []string{`{}`, `{"url":1}`, `{"url":"x","extra":true}`, `{`} {
		err := ValidateJSON("create.json", CreateJobSchema, []byte(body))
		if !errors.Is(err, ErrValidation) {
			t.Errorf("body %s: err = %v, want ErrValidation", body, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("DEFAULT_PROVIDER", "openai")
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	cfg.Database.Driver = "mysql"
	if err := cfg.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() with bad driver = %v", err)
	}
}

func TestConfigLists(t *testing.T) {
	t.Setenv("ALLOWED_HOSTS", " youtube.com, ,bilibili.com ")
	cfg := LoadConfig()
	if len(cfg.Pipeline.AllowedHosts) != 2 || cfg.Pipeline.AllowedHosts[1] != "bilibili.com" {
		t.Fatalf("AllowedHosts = %v", cfg.Pipeline.AllowedHosts)
	}
}
