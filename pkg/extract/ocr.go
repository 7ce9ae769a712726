package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// extractImage pipes the image through a tesseract-compatible command:
// `<cmd> stdin stdout -l <lang>`.
func (e *Extractor) extractImage(ctx context.Context, data []byte) (string, error) {
	command := strings.TrimSpace(e.opts.OCRCommand)
	if command == "" {
		return "", ErrOCRUnavailable
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOCRUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, "stdin", "stdout", "-l", e.opts.OCRLanguage)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ocr failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
