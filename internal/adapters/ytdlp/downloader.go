// Package ytdlp downloads the audio track of a video page with yt-dlp.
package ytdlp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

const outputStem = "audio"

type Config struct {
	Binary  string // default "yt-dlp"
	Format  string // default "worstaudio/worst"
	Quality string // default "192K"
}

type Downloader struct {
	cfg    Config
	runner Runner
	log    *slog.Logger
}

// New returns a Downloader. A nil runner executes the real binary.
func New(cfg Config, runner Runner, log *slog.Logger) *Downloader {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Format == "" {
		cfg.Format = "worstaudio/worst"
	}
	if cfg.Quality == "" {
		cfg.Quality = "192K"
	}
	if log == nil {
		log = slog.Default()
	}
	if runner == nil {
		runner = execRunner{log: log}
	}
	return &Downloader{cfg: cfg, runner: runner, log: log}
}

// Args builds the yt-dlp command line for url.
func (d *Downloader) Args(url, workDir string) []string {
	return []string{
		"-f", d.cfg.Format,
		"-x",
		"--audio-format", constants.DefaultAudioExt,
		"--audio-quality", d.cfg.Quality,
		"--no-playlist",
		"--no-progress",
		"-q",
		"-o", filepath.Join(workDir, outputStem+".%(ext)s"),
		"--", url,
	}
}

// Download runs yt-dlp into workDir and returns the extracted audio file.
func (d *Downloader) Download(ctx context.Context, url, workDir string) (string, error) {
	d.log.Info("ytdlp.download.start", "url", url)
	_, stderr, err := d.runner.Run(ctx, d.cfg.Binary, d.Args(url, workDir)...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", common.Tag(common.ErrDownload, ctxErr)
		}
		msg := strings.TrimSpace(truncate(string(stderr), 1024))
		return "", common.Tag(common.ErrDownload, fmt.Errorf("yt-dlp: %w: %s", err, msg))
	}
	p, err := FindAudio(workDir)
	if err != nil {
		return "", common.Tag(common.ErrDownload, err)
	}
	d.log.Info("ytdlp.download.ok", "url", url, "file", filepath.Base(p))
	return p, nil
}

// FindAudio locates the produced file: the expected stem with a known audio
// extension first, then the most recently modified audio file in dir.
func FindAudio(dir string) (string, error) {
	for _, ext := range constants.AudioExtensions {
		p := filepath.Join(dir, outputStem+"."+ext)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var best string
	var bestMod int64
	for _, e := range entries {
		if e.IsDir() || !constants.IsAudioExt(filepath.Ext(e.Name())) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if mod := fi.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = filepath.Join(dir, e.Name()), mod
		}
	}
	if best == "" {
		return "", fmt.Errorf("audio file not found after download in %s", dir)
	}
	return best, nil
}
