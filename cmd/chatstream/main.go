package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/assisthub/chatstream/pkg/chatclient"
	"github.com/assisthub/chatstream/pkg/config"
	"github.com/assisthub/chatstream/pkg/persistence/convstore"
)

var (
	flagConfig   string
	flagLogLevel string
	flagBaseURL  string
	flagStore    string
	flagBusiness int64
)

func main() {
	root := &cobra.Command{
		Use:   "chatstream",
		Short: "Streaming chat client with typing playback and offline fallback",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flagLogLevel)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg)
		},
	}
	chatCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "backend origin, e.g. https://chat.example.com")
	chatCmd.Flags().StringVar(&flagStore, "store", "", "SQLite session store path (empty keeps sessions in memory)")
	chatCmd.Flags().Int64Var(&flagBusiness, "business", 0, "scope new conversations to this business id")
	root.AddCommand(chatCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}
	if flagStore != "" {
		cfg.StorePath = flagStore
	}
	if flagBusiness != 0 {
		cfg.BusinessID = flagBusiness
	}
	if flagLogLevel == "" && cfg.LogLevel != "" {
		if err := setupLogging(cfg.LogLevel); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStore(cfg config.Config) (*convstore.Store, error) {
	var storeOpts []convstore.StoreOption
	if cfg.HistoryCap > 0 {
		storeOpts = append(storeOpts, convstore.WithMaxHistory(cfg.HistoryCap))
	}
	if cfg.StorePath == "" {
		log.Debug().Msg("using in-memory session store")
		return convstore.NewStore(convstore.NewInMemoryKV(), storeOpts...)
	}
	dsn, err := convstore.SQLiteKVDSNForFile(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	kv, err := convstore.NewSQLiteKV(dsn)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.StorePath).Msg("opened session store")
	return convstore.NewStore(kv, storeOpts...)
}

func runChat(ctx context.Context, cfg config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ui := newTerminalUI(os.Stdout)
	opts := []chatclient.EngineOption{
		chatclient.WithConnectionChange(func(state chatclient.ConnState, attempts int) {
			log.Info().Str("state", string(state)).Int("attempts", attempts).Msg("connection state changed")
		}),
	}
	if len(cfg.Context) > 0 {
		opts = append(opts, chatclient.WithSendContext(cfg.Context))
	}
	if cfg.WSBaseURL != "" {
		opts = append(opts, chatclient.WithChannelBaseURL(cfg.WSBaseURL))
	}
	if cfg.BackoffMinMS > 0 || cfg.BackoffMaxMS > 0 {
		opts = append(opts, chatclient.WithEngineBackoff(
			time.Duration(cfg.BackoffMinMS)*time.Millisecond,
			time.Duration(cfg.BackoffMaxMS)*time.Millisecond,
		))
	}
	engine, err := chatclient.NewEngine(cfg.BaseURL, store, ui, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	conv, err := engine.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("conversation: %s\n", conv.Title)
	replayHistory(ctx, engine, conv)

	eg, ctx := errgroup.WithContext(ctx)
	lines := make(chan string)
	eg.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return nil
			}
		}
		return scanner.Err()
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := handleLine(ctx, engine, cfg, line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					log.Warn().Err(err).Msg("command failed")
				}
			}
		}
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, engine *chatclient.Engine, cfg config.Config, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return engine.Send(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit

	case "/new":
		mode, businessID := convstore.ModeShared, int64(0)
		if len(fields) > 1 {
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "parse business id %q", fields[1])
			}
			mode, businessID = convstore.ModeDedicated, id
		} else if cfg.BusinessID > 0 {
			mode, businessID = convstore.ModeDedicated, cfg.BusinessID
		}
		conv, err := engine.NewConversation(ctx, mode, businessID)
		if err != nil {
			return err
		}
		fmt.Printf("conversation: %s\n", conv.Title)
		return nil

	case "/list":
		convs, err := engine.Conversations(ctx)
		if err != nil {
			return err
		}
		active, _ := engine.Active()
		for i, c := range convs {
			marker := " "
			if c.ID == active.ID {
				marker = "*"
			}
			preview := c.LastMessagePreview
			if preview != "" {
				preview = "  " + preview
			}
			fmt.Printf("%s %d. %s%s\n", marker, i+1, c.Title, preview)
		}
		return nil

	case "/switch":
		if len(fields) < 2 {
			return errors.New("usage: /switch <number>")
		}
		conv, err := conversationAt(ctx, engine, fields[1])
		if err != nil {
			return err
		}
		history, err := engine.SetActive(ctx, conv.ID, true)
		if err != nil {
			return err
		}
		fmt.Printf("conversation: %s\n", conv.Title)
		printHistory(history)
		return nil

	case "/delete":
		if len(fields) < 2 {
			return errors.New("usage: /delete <number>")
		}
		conv, err := conversationAt(ctx, engine, fields[1])
		if err != nil {
			return err
		}
		if err := engine.DeleteConversation(ctx, conv.ID); err != nil {
			return err
		}
		if active, ok := engine.Active(); ok {
			fmt.Printf("conversation: %s\n", active.Title)
		}
		return nil

	case "/rename":
		if len(fields) < 2 {
			return errors.New("usage: /rename <title>")
		}
		active, ok := engine.Active()
		if !ok {
			return errors.New("no active conversation")
		}
		title := strings.TrimSpace(strings.TrimPrefix(line, "/rename"))
		if err := engine.Rename(ctx, active.ID, title); err != nil {
			return err
		}
		fmt.Printf("conversation: %s\n", title)
		return nil

	case "/history":
		active, ok := engine.Active()
		if !ok {
			return errors.New("no active conversation")
		}
		history, err := engine.History(ctx, active.ID)
		if err != nil {
			return err
		}
		printHistory(history)
		return nil

	default:
		return errors.Errorf("unknown command %q", fields[0])
	}
}

func conversationAt(ctx context.Context, engine *chatclient.Engine, arg string) (convstore.Conversation, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return convstore.Conversation{}, errors.Wrapf(err, "parse conversation number %q", arg)
	}
	convs, err := engine.Conversations(ctx)
	if err != nil {
		return convstore.Conversation{}, err
	}
	if n < 1 || n > len(convs) {
		return convstore.Conversation{}, errors.Errorf("conversation %d out of range (1-%d)", n, len(convs))
	}
	return convs[n-1], nil
}

func replayHistory(ctx context.Context, engine *chatclient.Engine, conv convstore.Conversation) {
	history, err := engine.History(ctx, conv.ID)
	if err != nil {
		log.Warn().Err(err).Msg("load history failed")
		return
	}
	printHistory(history)
}

func printHistory(history []convstore.Turn) {
	for _, turn := range history {
		switch turn.Role {
		case convstore.RoleUser:
			fmt.Printf("you> %s\n", turn.Text)
		default:
			fmt.Printf("assistant> %s\n", turn.Text)
		}
	}
}
