package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"askdocs/pkg/extract"
	"askdocs/pkg/rag"
)

type extractFlags struct {
	mediaType  string
	ocrCommand string
	ocrLang    string
	pdfToText  bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Inspect document extraction and chunking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newExtractCmd(), newChunkCmd())
	return root
}

func (f *extractFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mediaType, "media-type", "", "media type override (detected from extension when empty)")
	cmd.Flags().StringVar(&f.ocrCommand, "ocr-command", "", "tesseract-compatible binary for images")
	cmd.Flags().StringVar(&f.ocrLang, "ocr-lang", "eng", "OCR language")
	cmd.Flags().BoolVar(&f.pdfToText, "pdftotext", false, "prefer the pdftotext binary for PDFs")
}

func (f *extractFlags) extract(cmd *cobra.Command, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	ex := extract.New(extract.Options{
		OCRCommand:  f.ocrCommand,
		OCRLanguage: f.ocrLang,
		PDFToText:   f.pdfToText,
	})
	return ex.Extract(cmd.Context(), data, f.mediaType, filepath.Base(path))
}

func newExtractCmd() *cobra.Command {
	var (
		flags  extractFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Print the text extracted from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := flags.extract(cmd, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, map[string]any{
					"file":       args[0],
					"kind":       extract.Detect(flags.mediaType, args[0]),
					"characters": len([]rune(text)),
					"text":       text,
				})
			}
			cmd.Println(text)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newChunkCmd() *cobra.Command {
	var (
		flags   extractFlags
		maxLen  int
		overlap int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Extract a file and show the overlapping chunks it produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := flags.extract(cmd, args[0])
			if err != nil {
				return err
			}
			windows, err := rag.Windows(text, maxLen, overlap)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, windows)
			}
			cmd.Printf("%d chunks (max-len=%d overlap=%d)\n", len(windows), maxLen, overlap)
			for i, w := range windows {
				cmd.Printf("\n[%d] %d-%d\n%s\n", i+1, w.Start, w.End, w.Text)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&maxLen, "max-len", rag.DefaultChunkSize, "maximum characters per chunk")
	cmd.Flags().IntVar(&overlap, "overlap", rag.DefaultChunkOverlap, "characters shared by consecutive chunks")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
