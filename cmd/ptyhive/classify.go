package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ptyhive/internal/classify"
	"ptyhive/internal/config"
	"ptyhive/internal/retry"
)

var classifyFlags = map[string]string{
	"catalog.path": "catalog",
}

// classifiedEvent is one line of classify's output.
type classifiedEvent struct {
	Offset uint64         `json:"offset"`
	Event  classify.Event `json:"event"`

	// api_error and rate_limit only
	Tier       string `json:"tier,omitempty"`
	RetryDelay string `json:"retryDelay,omitempty"`

	// set on the final line when the stream ends on an unanswered prompt
	Waiting bool `json:"waiting,omitempty"`
}

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "classify [file]",
		Short: "Classify recorded terminal output and print events as JSON lines",
		Long: `Classify feeds a recording (or stdin) through the same classifier the
server runs on live sessions and prints one JSON object per event.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags(), classifyFlags)
			if err != nil {
				return err
			}
			if chunkSize <= 0 {
				return fmt.Errorf("--chunk must be positive")
			}

			store, err := catalogStore(cfg)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return classifyStream(in, cmd.OutOrStdout(), store, cfg, chunkSize)
		},
	}

	cmd.Flags().String("catalog", "", "pattern catalog file (YAML)")
	cmd.Flags().IntVar(&chunkSize, "chunk", 4096, "read size, to reproduce how output arrived")

	return cmd
}

func catalogStore(cfg config.Config) (*classify.Store, error) {
	if cfg.Catalog.Path == "" {
		return classify.DefaultStore(), nil
	}
	cat, err := classify.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	p, err := cat.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile catalog: %w", err)
	}
	return classify.NewStore(p), nil
}

func classifyStream(r io.Reader, w io.Writer, store *classify.Store, cfg config.Config, chunkSize int) error {
	c := classify.NewClassifier(store)
	enc := json.NewEncoder(w)

	var offset uint64
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range c.Classify(buf[:n]) {
				if err := enc.Encode(annotate(ev, offset, store, cfg)); err != nil {
					return err
				}
			}
			offset += uint64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	if ev, ok := c.Waiting(); ok {
		return enc.Encode(classifiedEvent{Offset: offset, Event: ev, Waiting: true})
	}
	return nil
}

// annotate adds the retry tier of errors, and the delay before a first
// retry when one is worth making.
func annotate(ev classify.Event, offset uint64, store *classify.Store, cfg config.Config) classifiedEvent {
	out := classifiedEvent{Offset: offset, Event: ev}
	if ev.Kind != classify.KindAPIError && ev.Kind != classify.KindRateLimit {
		return out
	}

	tier := store.Patterns().Tier(ev.MatchedText)
	if ev.Kind == classify.KindRateLimit {
		// A rate limit always clears eventually.
		tier = retry.Transient
	}
	out.Tier = tier.String()
	if !tier.Retryable() {
		return out
	}

	delay := cfg.Retry.Delay(0)
	if ev.RetryAfter > 0 {
		delay = ev.RetryAfter
	}
	out.RetryDelay = delay.Round(time.Millisecond).String()
	return out
}
