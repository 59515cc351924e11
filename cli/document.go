package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casamonarca/pdfsigner/internal/atomicwrite"
	"github.com/casamonarca/pdfsigner/pdf/generic"
	"github.com/casamonarca/pdfsigner/pdf/reader"
	"github.com/casamonarca/pdfsigner/pdf/writer"
	"github.com/casamonarca/pdfsigner/sign/signers"
)

// DocumentInfo is the Info dictionary summary printed by status and verify.
type DocumentInfo struct {
	Title        string `json:"title,omitempty"`
	Author       string `json:"author,omitempty"`
	Producer     string `json:"producer,omitempty"`
	CreationDate string `json:"creation_date,omitempty"`
	ModDate      string `json:"mod_date,omitempty"`
	Pages        int    `json:"pages"`
	Revisions    int    `json:"revisions"`
}

func documentInfo(doc []byte) (*DocumentInfo, error) {
	r, err := reader.NewPdfFileReaderFromBytes(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signers.ErrMalformedDocument, err)
	}
	out := &DocumentInfo{Pages: len(r.Pages), Revisions: r.RevisionCount()}
	if r.Info == nil {
		return out, nil
	}
	text := func(key string) string {
		obj, err := r.Resolve(r.Info.Get(key))
		if err != nil {
			return ""
		}
		if s, ok := obj.(*generic.StringObject); ok {
			return s.Text()
		}
		return ""
	}
	date := func(key string) string {
		raw := text(key)
		if t, err := generic.ParseDate(raw); err == nil {
			return t.UTC().Format("2006-01-02T15:04:05Z")
		}
		return raw
	}
	out.Title = text("Title")
	out.Author = text("Author")
	out.Producer = text("Producer")
	out.CreationDate = date("CreationDate")
	out.ModDate = date("ModDate")
	return out, nil
}

type newOptions struct {
	out        string
	maxSigners int
	title      string
	pages      int
	lines      []string
}

func (a *app) newCommand() *cobra.Command {
	var opts newOptions
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a blank PDF ready for signing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit := opts.maxSigners
			if limit == 0 {
				limit = a.cfg.Signing.DefaultMaxSigners
			}
			if limit < 1 {
				return fmt.Errorf("%w: pass --max-signers or set signing.default-max-signers", signers.ErrInvalidLimit)
			}
			doc, err := writer.NewDocument(writer.DocumentOptions{
				Pages:      opts.pages,
				Lines:      opts.lines,
				Title:      opts.title,
				MaxSigners: limit,
				Producer:   "pdfsigner " + Version,
				Created:    a.clock.Now(),
			})
			if err != nil {
				return err
			}
			if err := atomicwrite.WriteFile(opts.out, doc, 0o644); err != nil {
				return err
			}
			a.log.Info("document created", zap.String("path", opts.out), zap.Int("max_signers", limit))
			if a.output == "json" {
				return a.printJSON(map[string]any{"success": true, "path": opts.out, "max_signers": limit})
			}
			a.printf("Created %s (max signers: %d)\n", opts.out, limit)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.out, "out", "", "output PDF file")
	f.IntVar(&opts.maxSigners, "max-signers", 0, "signer limit stored in the document (default from config)")
	f.StringVar(&opts.title, "title", "", "document title")
	f.IntVar(&opts.pages, "pages", 1, "number of pages")
	f.StringArrayVar(&opts.lines, "line", nil, "text line drawn on the first page (repeatable)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) setMaxSignersCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "set-max-signers <pdf> <n>",
		Short: "Set the signer limit of a document that has no signatures yet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("%w: %q", signers.ErrInvalidLimit, args[1])
			}
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			s := a.signer()
			updated, err := s.SetMaxSigners(doc, n)
			if err != nil {
				return err
			}
			dest := args[0]
			if out != "" {
				dest = out
			}
			if err := atomicwrite.WriteFile(dest, updated, 0o644); err != nil {
				return err
			}
			st, err := s.Status(updated)
			if err != nil {
				return err
			}
			if a.output == "json" {
				return a.printJSON(st)
			}
			a.printf("%s: max signers %d\n", dest, st.MaxSigners)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the result here instead of updating the input")
	return cmd
}

// StatusOutput is printed by the status command.
type StatusOutput struct {
	signers.Status
	Remaining int           `json:"remaining"`
	Document  *DocumentInfo `json:"document"`
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <pdf>",
		Short: "Show the signer limit and the signatures of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			st, err := a.signer().Status(doc)
			if err != nil {
				return err
			}
			info, err := documentInfo(doc)
			if err != nil {
				return err
			}
			out := StatusOutput{Status: st, Remaining: st.Remaining(), Document: info}
			if a.output == "json" {
				return a.printJSON(out)
			}
			a.printf("Document: %s\n", args[0])
			a.printf("  Pages:       %d\n", info.Pages)
			a.printf("  Revisions:   %d\n", info.Revisions)
			a.printf("  Max signers: %d\n", st.MaxSigners)
			a.printf("  Signatures:  %d (%d remaining)\n", st.SignerCount, out.Remaining)
			for _, name := range st.FieldNames {
				a.printf("    - %s\n", name)
			}
			return nil
		},
	}
}
