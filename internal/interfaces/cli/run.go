package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/sequencer"
	"z-novel-narrator/internal/application/narration/worldcard"
	"z-novel-narrator/internal/application/usage"
	"z-novel-narrator/internal/config"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/infrastructure/eino/callback"
	"z-novel-narrator/internal/infrastructure/persistence/memory"
	"z-novel-narrator/internal/wire"
	"z-novel-narrator/pkg/logger"
)

// RunOptions run 命令参数
type RunOptions struct {
	*RootOptions
	CardDir string
	Beats   string
	Title   string
}

// NewRunCommand 在本进程内生成整章，知识库只保存在内存
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate a chapter locally",
		Long: `Generate every beat of a chapter in this process and stream the log to the terminal.

Beats are separated by "//". A single beat is treated as a complete scene and
"!!" as the last beat expands to the default finishing beat. When --beats is
empty the beats from the world card's card.yaml are used.

Example:
  narrator run --card cards/default --beats "Sarah comes home // They argue // !!"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChapter(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.CardDir, "card", "", "world card directory (defaults to narration.card_dir)")
	cmd.Flags().StringVar(&opts.Beats, "beats", "", `beat script, "a // b // c"`)
	cmd.Flags().StringVar(&opts.Title, "title", "Untitled", "chapter title")

	return cmd
}

func runChapter(ctx context.Context, opts *RunOptions, out, errOut io.Writer) error {
	cfg, err := config.LoadFrom(opts.ConfigDir)
	if err != nil {
		return &exitError{code: 2, msg: "load config", err: err}
	}
	logger.InitWithWriter(errOut, cfg.Observability.Logging.Level, "text")

	if opts.CardDir != "" {
		cfg.Narration.CardDir = opts.CardDir
	}
	card, err := wire.ProvideWorldCard(cfg)
	if err != nil {
		return &exitError{code: 2, msg: "load world card", err: err}
	}

	beats := chapterBeats(opts.Beats, card)
	if len(beats) == 0 {
		return &exitError{code: 2, msg: "no beats given: use --beats or a card with beats"}
	}

	printer := NewPrinter(out, opts.JSON)
	printer.SetBeats(beats)

	engine, err := newLocalEngine(cfg, card, printer)
	if err != nil {
		return &exitError{code: 2, msg: "build engine", err: err}
	}

	chapter := entity.NewChapter(opts.Title, beats, nil)
	if err := engine.chapters.Create(ctx, chapter); err != nil {
		return err
	}

	// 中断时在当前节拍结束后停止，不打断进行中的模型调用
	go func() {
		<-ctx.Done()
		_, _ = engine.seq.Cancel(context.Background(), chapter.ID)
	}()

	runCtx := logger.WithChapter(context.WithoutCancel(ctx), chapter.ID, "")
	run, runErr := engine.seq.GenerateSequence(runCtx, chapter.ID)

	printSummary(runCtx, printer, engine, chapter.ID)
	if runErr != nil {
		return &exitError{code: 1, msg: "narration stopped", err: runErr}
	}
	if run.Status != entity.RunStatusCompleted {
		return &exitError{code: 1, msg: "narration " + string(run.Status)}
	}
	return nil
}

// chapterBeats 命令行节拍优先，其次使用世界卡示例节拍
func chapterBeats(script string, card *worldcard.Card) []entity.Beat {
	if script == "" && card != nil {
		script = card.Meta.Beats
	}
	return entity.ParseBeatScript(script)
}

type localEngine struct {
	chapters *memory.ChapterRepository
	registry *knowledge.Registry
	usage    *usage.Recorder
	seq      *sequencer.Sequencer
}

// newLocalEngine 使用内存仓储和进程内锁组装流水线
func newLocalEngine(cfg *config.Config, card *worldcard.Card, events sequencer.EventPublisher) (*localEngine, error) {
	chapters := memory.NewChapterRepository()
	runs := memory.NewRunRepository()

	registry, err := wire.ProvideKnowledgeRegistry(cfg, nil)
	if err != nil {
		return nil, err
	}

	recorder := usage.NewRecorder(memory.NewUsageRepository())
	callback.Init(recorder)

	prompts := wire.ProvidePromptRegistry(cfg)
	orch := wire.ProvideOrchestrator(cfg)
	seq := wire.ProvideSequencer(cfg,
		chapters,
		runs,
		registry,
		sequencer.NewMemoryLocker(),
		sequencer.NewMemoryCancelSignal(),
		wire.ProvideAssembler(cfg, prompts),
		wire.ProvideParser(cfg),
		orch,
		wire.ProvideExtractor(cfg, orch, prompts),
		events,
		nil,
		card,
	)
	return &localEngine{chapters: chapters, registry: registry, usage: recorder, seq: seq}, nil
}

func printSummary(ctx context.Context, p *Printer, e *localEngine, chapterID string) {
	if p.json {
		return
	}
	store, err := e.registry.Get(ctx, chapterID)
	if err != nil {
		return
	}
	p.Line("")
	p.Line("facts (%d):", len(store.ActiveFacts()))
	for _, f := range store.ActiveFacts() {
		factColor.Fprintf(p.w, "  %s.%s = %s (#%d)\n", f.Subject, f.Slot, f.Statement, f.SourceSequence)
	}
	if u, err := e.usage.Summarize(ctx, chapterID); err == nil && u.TotalTokens > 0 {
		p.Line("tokens: prompt %d, completion %d, total %d", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	}
}
